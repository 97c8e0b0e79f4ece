package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

// ErrMalformed marks payloads that can never be processed and must not be
// redelivered.
var ErrMalformed = errors.New("malformed inbound event")

// EventHandler reacts to a message received from a contact.
type EventHandler interface {
	OnInboundMessage(ctx context.Context, ev model.InboundEvent) (int, error)
}

// Decode parses a JSON inbound event. receivedAt may be omitted, in which
// case the handler uses the time of processing.
func Decode(body []byte) (model.InboundEvent, error) {
	var ev model.InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return model.InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev.TenantID = strings.TrimSpace(ev.TenantID)
	ev.Recipient = strings.TrimSpace(ev.Recipient)
	if ev.TenantID == "" || ev.Recipient == "" {
		return model.InboundEvent{}, fmt.Errorf("%w: tenantId and recipient are required", ErrMalformed)
	}
	return ev, nil
}

type Processor struct {
	handler EventHandler
	log     *zap.Logger
}

func NewProcessor(h EventHandler, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{handler: h, log: log}
}

// Process decodes body and hands the event to the handler.
func (p *Processor) Process(ctx context.Context, body []byte) (int, error) {
	ev, err := Decode(body)
	if err != nil {
		return 0, err
	}
	n, err := p.handler.OnInboundMessage(ctx, ev)
	if err != nil {
		return n, fmt.Errorf("handle inbound event: %w", err)
	}
	p.log.Debug("inbound event processed",
		zap.String("tenant", ev.TenantID),
		zap.String("recipient", ev.Recipient),
		zap.Int("cancelled", n),
	)
	return n, nil
}
