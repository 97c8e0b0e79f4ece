package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

// OnInboundMessage cancels the pending cancel-on-response records addressed
// to the sender of ev that would fire after it was received. It returns how
// many records it cancelled. Records claimed or cancelled concurrently are
// left alone.
func (e *Engine) OnInboundMessage(ctx context.Context, ev model.InboundEvent) (int, error) {
	ev.TenantID = strings.TrimSpace(ev.TenantID)
	ev.Recipient = strings.TrimSpace(ev.Recipient)
	if ev.TenantID == "" {
		return 0, ErrInvalidTenant
	}
	if ev.Recipient == "" {
		return 0, ErrInvalidRecipient
	}
	now := e.now().UTC()
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	e.metrics.InboundReceived.Inc()

	matches, err := e.repo.FindCancellable(ctx, ev.TenantID, ev.Recipient, receivedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("find cancellable: %w", err)
	}

	var (
		cancelled int
		errs      []error
	)
	for _, m := range matches {
		ok, err := e.repo.CompareAndSwapStatus(ctx, m.ID, model.Pending, model.Cancelled, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", m.ID, err))
			continue
		}
		if !ok {
			continue
		}
		e.disarm(m.ID)
		e.metrics.Cancelled.WithLabelValues("inbound").Inc()
		cancelled++
	}

	if cancelled > 0 {
		e.log.Info("cancelled on response",
			zap.String("tenant", ev.TenantID),
			zap.String("recipient", ev.Recipient),
			zap.Int("count", cancelled),
		)
	}
	return cancelled, errors.Join(errs...)
}
