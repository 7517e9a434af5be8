package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/PayGate/app/controllers"
	"github.com/ManuelReschke/PayGate/internal/pkg/middleware"
)

// OpsRouter serves liveness, health reporting and maintenance endpoints.
type OpsRouter struct {
	ops     *controllers.OpsController
	token   string
	metrics fiber.Handler
}

// NewOpsRouter builds the router. metrics may be nil; it is mounted at
// /api/v1/ops/metrics/prometheus behind the ops token.
func NewOpsRouter(ops *controllers.OpsController, token string, metrics fiber.Handler) *OpsRouter {
	return &OpsRouter{ops: ops, token: token, metrics: metrics}
}

func (h *OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", h.ops.HandleLiveness)

	group := app.Group("/api/v1/ops", middleware.OpsToken(h.token))
	group.Get("/health", h.ops.HandleHealth)
	group.Get("/alerts", h.ops.HandleAlerts)
	group.Get("/metrics", h.ops.HandleMetrics)
	group.Get("/report", h.ops.HandleReport)
	group.Get("/jobs", h.ops.HandleJobs)
	group.Post("/cleanup", h.ops.HandleCleanup)
	group.Post("/reconcile", h.ops.HandleReconcile)
	group.Get("/monitor", monitor.New(monitor.Config{Title: "PayGate Monitor"}))
	if h.metrics != nil {
		group.Get("/metrics/prometheus", h.metrics)
	}
}
