package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/clientcontext"
	"github.com/ManuelReschke/PayGate/internal/pkg/ratelimit"
)

// RateLimit throttles per client and IP. It must run after ClientIdentify.
func RateLimit(limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cc := clientcontext.Get(c)
		d, err := limiter.Check(c.UserContext(), ratelimit.Key{ClientID: cc.ClientID, IP: c.IP()}, cc.Authenticated)
		if err != nil {
			log.Warnf("[RateLimit] Check skipped: %v", err)
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			clientcontext.MarkRateLimited(c)
			seconds := int(d.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
			return apperrors.RateLimited("Too many requests", d.RetryAfter)
		}
		return c.Next()
	}
}
