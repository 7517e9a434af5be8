package accesslog

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/clientcontext"
)

// Middleware records the request once the rest of the chain returned. A
// handler error is first rendered by the app's error handler so the stored
// status matches the response.
func Middleware(l *Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		started := time.Now()
		chainErr := c.Next()
		if chainErr != nil {
			if err := c.App().ErrorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		requestID, _ := c.Locals("requestid").(string)
		l.Record(models.AccessLog{
			ClientID:       clientcontext.ClientID(c),
			IP:             c.IP(),
			Endpoint:       truncate(c.Path(), 255),
			Method:         c.Method(),
			RequestID:      requestID,
			Timestamp:      started.UTC(),
			ResponseStatus: status,
			ResponseTimeMs: time.Since(started).Milliseconds(),
			RateLimited:    clientcontext.IsRateLimited(c) || status == fiber.StatusTooManyRequests,
			Success:        status < fiber.StatusBadRequest,
		})
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
