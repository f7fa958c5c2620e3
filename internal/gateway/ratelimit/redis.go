package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/redis"
)

// RedisStore keeps windows in redis so several gateway processes share one
// quota per client. Timestamps come from the caller's clock.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store using keys "<prefix><client key>"
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, quota int) (Decision, error) {
	res, err := s.client.SlidingWindow(ctx, s.prefix+key, uuid.NewString(), now, window, quota)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: res.Admitted, Limit: quota}
	if !res.Oldest.IsZero() {
		d.ResetAt = res.Oldest.Add(window)
	}
	if res.Admitted {
		d.Remaining = quota - int(res.Count)
		return d, nil
	}
	d.RetryAfter = max(d.ResetAt.Sub(now), 0)
	return d, nil
}
