package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayGate/app/controllers"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/middleware"
	"github.com/ManuelReschke/PayGate/internal/pkg/ratelimit"
	"github.com/ManuelReschke/PayGate/internal/pkg/signature"
)

// ApiRouter serves the client API. Every request is identified and counted
// before authentication is required so anonymous floods are throttled too.
type ApiRouter struct {
	payments *controllers.PaymentController
	clients  repository.APIClientRepository
	limiter  *ratelimit.Limiter
	codec    *signature.Codec
}

func NewApiRouter(payments *controllers.PaymentController, clients repository.APIClientRepository, limiter *ratelimit.Limiter, codec *signature.Codec) *ApiRouter {
	return &ApiRouter{
		payments: payments,
		clients:  clients,
		limiter:  limiter,
		codec:    codec,
	}
}

func (h *ApiRouter) InstallRouter(app *fiber.App) {
	// Middleware is attached per route: a group Use on /api/v1 would also
	// catch /api/v1/ops.
	client := []fiber.Handler{
		middleware.ClientIdentify(h.clients),
		middleware.RateLimit(h.limiter),
		middleware.RequireClient(),
	}
	signed := append(append([]fiber.Handler{}, client...), middleware.VerifySignature(h.codec))

	v1 := app.Group("/api/v1")
	v1.Get("/transactions/:id", with(client, h.payments.HandleGetTransaction)...)
	v1.Post("/deposits", with(signed, h.payments.HandleCreateDeposit)...)
	v1.Post("/withdrawals", with(signed, h.payments.HandleCreateWithdrawal)...)
	v1.Post("/transactions/:id/poll", with(signed, h.payments.HandlePollTransaction)...)
}

func with(chain []fiber.Handler, handler fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(chain)+1)
	out = append(out, chain...)
	return append(out, handler)
}
