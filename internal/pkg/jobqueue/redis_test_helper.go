package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayGate/internal/pkg/env"
)

const isolatedJobQueueTestRedisDB = 14

// resolveTestRedis tries the configured cache and the usual compose and local
// hosts, and skips the test when none answers.
func resolveTestRedis(t *testing.T) (string, string) {
	t.Helper()

	hosts := uniq(env.GetEnv("CACHE_HOST", ""), "cache", "paygate-cache", "localhost", "127.0.0.1")
	passwords := uniq(env.GetEnv("CACHE_PASSWORD", ""), "paygate", "")
	port := env.GetEnv("CACHE_PORT", "6379")

	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		addr := fmt.Sprintf("%s:%s", host, port)
		for _, password := range passwords {
			client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := client.Ping(ctx).Err()
			cancel()
			_ = client.Close()
			if err == nil {
				return addr, password
			}
			lastErr = err
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", ""
}

func uniq(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func newIsolatedRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr, password := resolveTestRedis(t)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       isolatedJobQueueTestRedisDB,
	})

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", isolatedJobQueueTestRedisDB, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return client
}
