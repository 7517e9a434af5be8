package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PayGate/app/controllers"
)

// WebhookRouter serves provider callbacks behind a coarse per-IP flood guard.
// Authentication is the payload signature, checked by the processor.
type WebhookRouter struct {
	webhooks *controllers.WebhookController
	storage  fiber.Storage
	floodMax int
}

// NewWebhookRouter builds the router. storage may be nil to keep the flood
// guard counters in memory.
func NewWebhookRouter(webhooks *controllers.WebhookController, storage fiber.Storage, floodMax int) *WebhookRouter {
	if floodMax <= 0 {
		floodMax = 600
	}
	return &WebhookRouter{webhooks: webhooks, storage: storage, floodMax: floodMax}
}

func (h *WebhookRouter) InstallRouter(app *fiber.App) {
	group := app.Group("/webhook", limiter.New(limiter.Config{
		Max:        h.floodMax,
		Expiration: time.Minute,
		Storage:    h.storage,
		LimitReached: func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusTooManyRequests, "Too many webhook deliveries")
		},
	}))
	group.Post("/deposit", h.webhooks.HandleDepositWebhook)
	group.Post("/withdrawal", h.webhooks.HandleWithdrawalWebhook)
}
