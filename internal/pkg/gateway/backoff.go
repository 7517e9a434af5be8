package gateway

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff doubles the delay per retry starting at Base, capped at Max. With
// Jitter the delay is drawn from [d/2, d].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns the wait before retry number retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maximum := b.Max
	if maximum <= 0 {
		maximum = 30 * time.Second
	}

	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= maximum {
			delay = maximum
			break
		}
	}
	if delay > maximum {
		delay = maximum
	}

	if b.Jitter && delay > 1 {
		half := delay / 2
		delay = half + time.Duration(rand.Int64N(int64(delay-half)+1))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
