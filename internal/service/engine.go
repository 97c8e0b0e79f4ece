package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeventeLantos/scheduled-messaging/internal/metrics"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

const reasonInterrupted = "dispatch interrupted"

type ScheduleRequest struct {
	TenantID         string    `json:"-"`
	Recipient        string    `json:"recipient"`
	Content          string    `json:"content"`
	MediaURLs        []string  `json:"mediaUrls,omitempty"`
	FireAt           time.Time `json:"fireAt"`
	TimeZone         string    `json:"timeZone,omitempty"`
	CancelOnResponse bool      `json:"cancelOnResponse"`
}

type EngineConfig struct {
	// BatchSize caps the wake-ups dispatched by a single Tick.
	BatchSize int
	// PageSize is the store page size used by ListPending and Recover.
	PageSize     int
	RecoverEvery time.Duration
	// ClaimTimeout is how long a record may stay claimed before Recover
	// fails it. Defaults to twice the dispatcher's send timeout.
	ClaimTimeout time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.RecoverEvery <= 0 {
		c.RecoverEvery = 30 * time.Second
	}
	return c
}

// Engine owns the lifecycle of scheduled messages. It persists them, keeps a
// wake-up armed for every pending record it knows about and hands due
// records to the Dispatcher when ticked.
type Engine struct {
	repo       repo.MessageRepository
	dispatcher *Dispatcher
	metrics    *metrics.Engine
	log        *zap.Logger
	cfg        EngineConfig
	now        func() time.Time
	newID      func() string

	mu          sync.Mutex
	wakeups     *wakeupQueue
	lastRecover time.Time

	// serializes ticks so due records go out in dispatch order
	tickMu sync.Mutex
}

func NewEngine(r repo.MessageRepository, d *Dispatcher, m *metrics.Engine, log *zap.Logger, cfg EngineConfig) *Engine {
	if m == nil {
		m = metrics.NewEngine(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * defaultSendTimeout
		if d != nil {
			cfg.ClaimTimeout = 2 * d.sendTimeout
		}
	}
	return &Engine{
		repo:       r,
		dispatcher: d,
		metrics:    m,
		log:        log.Named("engine"),
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		wakeups:    newWakeupQueue(),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *Engine) WithIDs(newID func() string) *Engine {
	if newID != nil {
		e.newID = newID
	}
	return e
}

func (e *Engine) Schedule(ctx context.Context, req ScheduleRequest) (*model.ScheduledMessage, error) {
	now := e.now().UTC()

	tenant := strings.TrimSpace(req.TenantID)
	recipient := strings.TrimSpace(req.Recipient)
	switch {
	case tenant == "":
		return nil, ErrInvalidTenant
	case recipient == "":
		return nil, ErrInvalidRecipient
	case strings.TrimSpace(req.Content) == "":
		return nil, ErrInvalidContent
	case !req.FireAt.After(now):
		return nil, ErrInvalidTime
	}
	if req.TimeZone != "" {
		if _, err := time.LoadLocation(req.TimeZone); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, req.TimeZone)
		}
	}

	m := &model.ScheduledMessage{
		ID:               e.newID(),
		TenantID:         tenant,
		Recipient:        recipient,
		Content:          req.Content,
		MediaURLs:        slices.Clone(req.MediaURLs),
		CreatedAt:        now,
		FireAt:           req.FireAt.UTC(),
		TimeZone:         req.TimeZone,
		CancelOnResponse: req.CancelOnResponse,
		Status:           model.Pending,
	}
	if err := e.repo.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	e.arm(*m)
	e.metrics.Scheduled.Inc()

	e.log.Info("message scheduled",
		zap.String("id", m.ID),
		zap.String("tenant", m.TenantID),
		zap.Time("fire_at", m.FireAt),
		zap.Bool("cancel_on_response", m.CancelOnResponse),
	)
	return m, nil
}

// Get returns the record if it exists and belongs to the tenant.
func (e *Engine) Get(ctx context.Context, tenantID, id string) (*model.ScheduledMessage, error) {
	m, err := e.repo.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	if m.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return m, nil
}

func (e *Engine) Reschedule(ctx context.Context, tenantID, id string, fireAt time.Time) (*model.ScheduledMessage, error) {
	m, err := e.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if m.Status != model.Pending {
		return nil, ErrInvalidState
	}
	if !fireAt.After(e.now()) {
		return nil, ErrInvalidTime
	}

	fireAt = fireAt.UTC()
	ok, err := e.repo.UpdateFireAt(ctx, id, fireAt)
	if err != nil {
		return nil, fmt.Errorf("reschedule %s: %w", id, err)
	}
	if !ok {
		return nil, ErrInvalidState
	}
	m.FireAt = fireAt
	e.arm(*m)
	e.metrics.Rescheduled.Inc()

	e.log.Info("message rescheduled", zap.String("id", id), zap.Time("fire_at", fireAt))
	return m, nil
}

// Cancel moves a pending record to cancelled. A record that already left
// pending yields ErrInvalidState.
func (e *Engine) Cancel(ctx context.Context, tenantID, id string) error {
	if _, err := e.Get(ctx, tenantID, id); err != nil {
		return err
	}
	ok, err := e.repo.CompareAndSwapStatus(ctx, id, model.Pending, model.Cancelled, e.now().UTC())
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if !ok {
		return ErrInvalidState
	}
	e.disarm(id)
	e.metrics.Cancelled.WithLabelValues("caller").Inc()

	e.log.Info("message cancelled", zap.String("id", id), zap.String("tenant", tenantID))
	return nil
}

// ListPending yields the tenant's pending records inside window in
// (fireAt, createdAt, id) order, fetching one page at a time. Each range
// starts over from the first page.
func (e *Engine) ListPending(ctx context.Context, tenantID string, window model.Window) iter.Seq2[model.ScheduledMessage, error] {
	return func(yield func(model.ScheduledMessage, error) bool) {
		var after model.Cursor
		for {
			page, err := e.repo.LoadPending(ctx, tenantID, window, after, e.cfg.PageSize)
			if err != nil {
				yield(model.ScheduledMessage{}, fmt.Errorf("load pending: %w", err))
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
			}
			if len(page) < e.cfg.PageSize {
				return
			}
			after = model.CursorOf(page[len(page)-1])
		}
	}
}

// Recover fails records left claimed longer than the claim timeout and arms
// every pending record due before the next recovery, including records
// written by other processes or before a restart.
func (e *Engine) Recover(ctx context.Context) error {
	now := e.now()
	staleErr := e.failStaleClaims(ctx, now)

	horizon := now.Add(e.cfg.RecoverEvery)
	var (
		after model.Cursor
		armed int
	)
	for {
		page, err := e.repo.LoadDue(ctx, horizon, after, e.cfg.PageSize)
		if err != nil {
			return errors.Join(staleErr, fmt.Errorf("recover: %w", err))
		}
		for _, m := range page {
			e.arm(m)
		}
		armed += len(page)
		if len(page) < e.cfg.PageSize {
			break
		}
		after = model.CursorOf(page[len(page)-1])
	}

	e.mu.Lock()
	e.lastRecover = now
	e.mu.Unlock()

	e.log.Debug("recovered pending messages", zap.Int("count", armed), zap.Time("horizon", horizon))
	return staleErr
}

// failStaleClaims resolves records whose dispatch was interrupted between the
// claim and the resolution, so that every attempt ends in a terminal state.
func (e *Engine) failStaleClaims(ctx context.Context, now time.Time) error {
	ids, err := e.repo.FailStaleClaims(ctx, now.Add(-e.cfg.ClaimTimeout), now.UTC(), reasonInterrupted)
	if err != nil {
		return fmt.Errorf("fail stale claims: %w", err)
	}
	for _, id := range ids {
		e.disarm(id)
		e.metrics.Dispatched.WithLabelValues(string(OutcomeFailed)).Inc()
		e.log.Warn("stale claim failed", zap.String("id", id), zap.Duration("claim_timeout", e.cfg.ClaimTimeout))
	}
	return nil
}

// Tick dispatches every armed record that is due, up to the batch size.
func (e *Engine) Tick(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.recoverDue() {
		if err := e.Recover(ctx); err != nil {
			e.log.Error("recover failed", zap.Error(err))
		}
	}

	now := e.now()
	e.mu.Lock()
	due := e.wakeups.popDue(now, e.cfg.BatchSize)
	e.metrics.Armed.Set(float64(e.wakeups.Len()))
	e.mu.Unlock()

	var errs []error
	for _, w := range due {
		if err := ctx.Err(); err != nil {
			e.rearm(w)
			continue
		}
		outcome, err := e.dispatcher.Dispatch(ctx, w.id, now)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if outcome == OutcomeSkipped && !errors.Is(err, repo.ErrNotFound) {
			e.rearm(w)
		}
	}
	return errors.Join(errs...)
}

// Armed returns the number of wake-ups currently armed.
func (e *Engine) Armed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wakeups.Len()
}

func (e *Engine) recoverDue() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRecover.IsZero() || e.now().Sub(e.lastRecover) >= e.cfg.RecoverEvery
}

func (e *Engine) arm(m model.ScheduledMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wakeups.arm(m)
	e.metrics.Armed.Set(float64(e.wakeups.Len()))
}

func (e *Engine) rearm(w wakeup) {
	e.arm(model.ScheduledMessage{ID: w.id, FireAt: w.fireAt, CreatedAt: w.createdAt})
}

func (e *Engine) disarm(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wakeups.disarm(id) {
		e.metrics.Armed.Set(float64(e.wakeups.Len()))
	}
}
