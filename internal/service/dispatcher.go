package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/ledger"
	"github.com/LeventeLantos/scheduled-messaging/internal/metrics"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

// Transport delivers a message to the recipient and returns the gateway's id
// for it. A failed send may be a *client.SendError carrying a partial cost.
type Transport interface {
	Send(ctx context.Context, recipient, content string, mediaURLs []string) (string, error)
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

const defaultSendTimeout = 30 * time.Second

type Dispatcher struct {
	repo        repo.MessageRepository
	transport   Transport
	ledger      ledger.Ledger
	sent        cache.SentCache
	metrics     *metrics.Engine
	log         *zap.Logger
	now         func() time.Time
	sendTimeout time.Duration
}

func NewDispatcher(r repo.MessageRepository, t Transport, l ledger.Ledger, m *metrics.Engine, log *zap.Logger) *Dispatcher {
	if m == nil {
		m = metrics.NewEngine(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		repo:        r,
		transport:   t,
		ledger:      l,
		metrics:     m,
		log:         log.Named("dispatcher"),
		now:         time.Now,
		sendTimeout: defaultSendTimeout,
	}
}

func (d *Dispatcher) WithSentCache(c cache.SentCache) *Dispatcher {
	d.sent = c
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

func (d *Dispatcher) WithSendTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.sendTimeout = timeout
	}
	return d
}

// Dispatch claims the record if it is still pending and due at now, sends it
// and resolves it to sent or failed. A lost claim is OutcomeSkipped with a nil
// error. When an error is returned together with OutcomeSkipped the record was
// not claimed and may be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, now time.Time) (Outcome, error) {
	msg, err := d.repo.Get(ctx, id)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("load %s: %w", id, err)
	}
	if msg.Status != model.Pending {
		d.skip(id, msg.Status)
		return OutcomeSkipped, nil
	}

	// attemptedAt is the real claim time, which stale-claim recovery measures
	// from; a late record in a long batch is claimed well after now.
	claimAt := d.now()
	if claimAt.Before(now) {
		claimAt = now
	}
	claimed, err := d.repo.ClaimDue(ctx, id, claimAt)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("claim %s: %w", id, err)
	}
	if !claimed {
		d.skip(id, msg.Status)
		return OutcomeSkipped, nil
	}

	// The record is ours from here on. Finish it even if the caller is
	// shutting down, otherwise it would stay claimed forever.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()

	cost := Cost(msg.Content, msg.HasMedia())

	start := time.Now()
	remoteID, sendErr := d.transport.Send(ctx, msg.Recipient, msg.Content, msg.MediaURLs)
	d.metrics.SendDuration.Observe(time.Since(start).Seconds())

	res := model.Resolution{ID: id, ResolvedAt: d.now().UTC()}
	outcome := OutcomeSent
	if sendErr == nil {
		res.Status = model.Sent
		res.CreditsUsed = cost
		res.RemoteMessageID = remoteID
	} else {
		outcome = OutcomeFailed
		res.Status = model.Failed
		res.CreditsUsed = partialCost(sendErr, cost)
		res.FailureReason = sendErr.Error()
	}

	ok, err := d.repo.Resolve(ctx, res)
	if err != nil {
		d.log.Error("resolve failed, record left claimed until recovery",
			zap.String("id", id), zap.String("status", string(res.Status)), zap.Error(err))
		return outcome, fmt.Errorf("resolve %s: %w", id, err)
	}
	if !ok {
		d.log.Warn("record was resolved concurrently", zap.String("id", id))
		return OutcomeSkipped, nil
	}
	d.metrics.Dispatched.WithLabelValues(string(outcome)).Inc()

	if res.CreditsUsed > 0 {
		d.debit(ctx, msg.TenantID, res.CreditsUsed, id)
	}
	if outcome == OutcomeSent && d.sent != nil {
		if err := d.sent.StoreSent(ctx, id, msg.TenantID, remoteID, res.ResolvedAt); err != nil {
			d.log.Warn("sent cache write failed", zap.String("id", id), zap.Error(err))
		}
	}

	if sendErr != nil {
		d.log.Warn("message failed",
			zap.String("id", id),
			zap.String("tenant", msg.TenantID),
			zap.Int("credits", res.CreditsUsed),
			zap.Error(sendErr),
		)
	} else {
		d.log.Info("message sent",
			zap.String("id", id),
			zap.String("tenant", msg.TenantID),
			zap.Int("credits", res.CreditsUsed),
			zap.String("remote_id", remoteID),
		)
	}
	return outcome, nil
}

func (d *Dispatcher) skip(id string, status model.Status) {
	d.metrics.Dispatched.WithLabelValues(string(OutcomeSkipped)).Inc()
	d.log.Debug("dispatch skipped", zap.String("id", id), zap.String("status", string(status)))
}

// debit never reverses the resolved state; the ledger is reconciled
// separately.
func (d *Dispatcher) debit(ctx context.Context, tenantID string, amount int, id string) {
	if err := d.ledger.Debit(ctx, tenantID, amount, id); err != nil {
		d.metrics.DebitFailures.Inc()
		d.log.Warn("ledger debit failed",
			zap.String("id", id), zap.String("tenant", tenantID), zap.Int("amount", amount), zap.Error(err))
		return
	}
	d.metrics.CreditsDebited.Add(float64(amount))
}

// partialCost is the carrier-confirmed cost of a failed send, capped at the
// full price. Failures without a confirmed submission cost nothing.
func partialCost(err error, full int) int {
	var se *client.SendError
	if !errors.As(err, &se) || !se.Submitted() {
		return 0
	}
	return min(*se.PartialCost, full)
}
