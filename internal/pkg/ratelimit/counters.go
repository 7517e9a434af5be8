package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayGate/app/repository"
)

const redisKeyPrefix = "paygate:ratelimit:"

// RedisCounter keeps one INCR counter per key and window. The key expires
// shortly after its window closes.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (r *RedisCounter) Incr(ctx context.Context, key Key, windowStart time.Time, window time.Duration) (int64, error) {
	redisKey := fmt.Sprintf("%s%s:%d", redisKeyPrefix, key, windowStart.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window+5*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// AccessLogCounter derives the count from stored access log rows. The
// current request is not stored yet and is added to the count. Rows are
// written asynchronously, so the count lags under bursts.
type AccessLogCounter struct {
	logs repository.AccessLogRepository
}

func NewAccessLogCounter(logs repository.AccessLogRepository) *AccessLogCounter {
	return &AccessLogCounter{logs: logs}
}

func (a *AccessLogCounter) Incr(ctx context.Context, key Key, windowStart time.Time, _ time.Duration) (int64, error) {
	count, err := a.logs.CountSince(ctx, key.ClientID, key.IP, windowStart)
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}
