// Package clientcontext carries the resolved API caller through a request.
package clientcontext

import "github.com/gofiber/fiber/v2"

// Shared Locals keys used across middlewares and controllers
const (
	KeyClientContext = "CLIENT_CONTEXT"
	KeyRateLimited   = "rate_limited"
)

// ClientContext describes the caller of the current request
type ClientContext struct {
	ClientID      string `json:"client_id"`
	Name          string `json:"name"`
	Authenticated bool   `json:"authenticated"`
	SigningSecret string `json:"-"`
}

// Get retrieves the client context from fiber context.
// Returns an anonymous context if none is set
func Get(c *fiber.Ctx) ClientContext {
	if cc, ok := c.Locals(KeyClientContext).(ClientContext); ok {
		return cc
	}
	return ClientContext{}
}

func Set(c *fiber.Ctx, cc ClientContext) {
	c.Locals(KeyClientContext, cc)
}

// ClientID returns the caller's client id, or empty string if anonymous
func ClientID(c *fiber.Ctx) string {
	return Get(c).ClientID
}

func IsAuthenticated(c *fiber.Ctx) bool {
	return Get(c).Authenticated
}

// MarkRateLimited flags the request for the access log.
func MarkRateLimited(c *fiber.Ctx) {
	c.Locals(KeyRateLimited, true)
}

func IsRateLimited(c *fiber.Ctx) bool {
	v, _ := c.Locals(KeyRateLimited).(bool)
	return v
}
