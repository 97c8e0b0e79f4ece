package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ SentCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	TenantID        string    `json:"tenantId"`
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func sentKey(messageID string) string {
	return fmt.Sprintf("sched:sent:%s", messageID)
}

func (c *RedisCache) StoreSent(ctx context.Context, messageID, tenantID, remoteMessageID string, sentAt time.Time) error {
	val := sentValue{
		TenantID:        tenantID,
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(messageID), b, c.ttl).Err()
}
