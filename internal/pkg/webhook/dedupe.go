package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeCache is a fast path in front of the applied-event lookup. The
// database stays authoritative; a cache miss or failure falls through to it.
type DedupeCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

const dedupePrefix = "paygate:webhook:applied:"

// RedisDedupe remembers applied dedupe keys for TTL.
type RedisDedupe struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDedupe(client *redis.Client, ttl time.Duration) *RedisDedupe {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisDedupe{client: client, ttl: ttl}
}

func (r *RedisDedupe) Seen(ctx context.Context, key string) (bool, error) {
	_, err := r.client.Get(ctx, dedupePrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisDedupe) Remember(ctx context.Context, key string) error {
	return r.client.Set(ctx, dedupePrefix+key, "1", r.ttl).Err()
}

type nopDedupe struct{}

func (nopDedupe) Seen(context.Context, string) (bool, error) { return false, nil }
func (nopDedupe) Remember(context.Context, string) error { return nil }
