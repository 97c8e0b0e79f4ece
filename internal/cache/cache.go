package cache

import (
	"context"
	"time"
)

// SentCache remembers which scheduled messages the gateway accepted.
type SentCache interface {
	StoreSent(ctx context.Context, messageID, tenantID, remoteMessageID string, sentAt time.Time) error
}
