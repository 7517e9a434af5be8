// Package ratelimit throttles public API callers per client and IP in fixed
// windows. Counts are approximate; the limiter is a guard, not an accounting
// system, so a failing counter lets requests through.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/internal/pkg/config"
)

// Key identifies one throttled caller.
type Key struct {
	ClientID string
	IP       string
}

func (k Key) String() string {
	client := k.ClientID
	if client == "" {
		client = "anonymous"
	}
	return client + "|" + k.IP
}

// Counter increments the request count of key in the window starting at
// windowStart and returns the new count.
type Counter interface {
	Incr(ctx context.Context, key Key, windowStart time.Time, window time.Duration) (int64, error)
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Count      int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the counter failed and the request was let through.
	Degraded bool
}

// Limiter applies the configured thresholds.
type Limiter struct {
	counter       Counter
	authenticated int
	anonymous     int
	window        time.Duration
	now           func() time.Time
}

func NewLimiter(cfg config.RateLimit, counter Counter) *Limiter {
	l := &Limiter{
		counter:       counter,
		authenticated: cfg.Authenticated,
		anonymous:     cfg.Anonymous,
		window:        cfg.Window,
		now:           time.Now,
	}
	if l.authenticated <= 0 {
		l.authenticated = 100
	}
	if l.anonymous <= 0 {
		l.anonymous = 60
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	return l
}

// Check counts the request and decides whether it may proceed.
func (l *Limiter) Check(ctx context.Context, key Key, authenticated bool) (Decision, error) {
	if key.IP == "" && key.ClientID == "" {
		return Decision{}, errors.New("ratelimit: empty key")
	}

	limit := l.anonymous
	if authenticated {
		limit = l.authenticated
	}

	now := l.now().UTC()
	windowStart := now.Truncate(l.window)
	resetAt := windowStart.Add(l.window)
	d := Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}

	if l.counter == nil {
		d.Degraded = true
		return d, nil
	}

	count, err := l.counter.Incr(ctx, key, windowStart, l.window)
	if err != nil {
		log.Warnf("[RateLimiter] Counter failed for %s, allowing request: %v", key, err)
		d.Degraded = true
		return d, nil
	}

	d.Count = count
	if count > int64(limit) {
		d.Allowed = false
		d.Remaining = 0
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		return d, nil
	}
	d.Remaining = limit - int(count)
	return d, nil
}
