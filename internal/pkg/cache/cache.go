package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayGate/internal/pkg/config"
)

// Connect creates the Redis client shared by the rate limiter, the job queue
// and the idempotency fast path. A failed ping is returned to the caller,
// which decides whether to run without Redis.
func Connect(ctx context.Context, cfg config.Cache) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	pong, err := client.Ping(pingCtx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect cache %s: %w", cfg.Addr(), err)
	}
	log.Infof("[Cache] Successfully connected to cache: %s", pong)
	return client, nil
}
