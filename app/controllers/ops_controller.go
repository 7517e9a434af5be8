package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/health"
	"github.com/ManuelReschke/PayGate/internal/pkg/jobqueue"
)

// HealthService is the part of health.Monitor the ops API exposes.
type HealthService interface {
	GetSystemHealth(ctx context.Context) (*health.SystemHealth, error)
	GenerateAlerts(ctx context.Context) ([]health.Alert, error)
	GetPerformanceMetrics(ctx context.Context, from, to time.Time) (*health.PerformanceMetrics, error)
	GenerateDailyReport(ctx context.Context) (*health.DailyReport, error)
	CleanupOldLogs(ctx context.Context, retentionDays int) (*health.CleanupResult, error)
}

// Reconciler runs one synchronous reconciliation pass.
type Reconciler interface {
	RunOnce(ctx context.Context) (*jobqueue.ReconcileResult, error)
}

// QueueStats reports the job queue state.
type QueueStats interface {
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
}

// OpsController serves health, reporting and maintenance endpoints.
type OpsController struct {
	monitor       HealthService
	reconciler    Reconciler
	queue         QueueStats
	retentionDays int
}

// NewOpsController builds the controller. reconciler and queue may be nil.
func NewOpsController(monitor HealthService, reconciler Reconciler, queue QueueStats, retentionDays int) *OpsController {
	return &OpsController{
		monitor:       monitor,
		reconciler:    reconciler,
		queue:         queue,
		retentionDays: retentionDays,
	}
}

// HandleLiveness handles GET /health. It answers 503 while a threshold is
// crossed so load balancers can act on it.
func (oc *OpsController) HandleLiveness(c *fiber.Ctx) error {
	h, err := oc.monitor.GetSystemHealth(c.UserContext())
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if !h.Healthy() {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"success": h.Healthy(),
		"status":  h.Status,
	})
}

// HandleHealth handles GET /api/v1/ops/health
func (oc *OpsController) HandleHealth(c *fiber.Ctx) error {
	h, err := oc.monitor.GetSystemHealth(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, fiber.StatusOK, h)
}

// HandleAlerts handles GET /api/v1/ops/alerts
func (oc *OpsController) HandleAlerts(c *fiber.Ctx) error {
	alerts, err := oc.monitor.GenerateAlerts(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, fiber.StatusOK, alerts)
}

// HandleMetrics handles GET /api/v1/ops/metrics?from=&to= with RFC 3339
// bounds. The default range is the last 24 hours.
func (oc *OpsController) HandleMetrics(c *fiber.Ctx) error {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return apperrors.Validation("from must be an RFC 3339 timestamp", map[string]any{"from": v})
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return apperrors.Validation("to must be an RFC 3339 timestamp", map[string]any{"to": v})
		}
	}

	metrics, err := oc.monitor.GetPerformanceMetrics(c.UserContext(), from, to)
	if err != nil {
		return err
	}
	return ok(c, fiber.StatusOK, metrics)
}

// HandleReport handles GET /api/v1/ops/report
func (oc *OpsController) HandleReport(c *fiber.Ctx) error {
	report, err := oc.monitor.GenerateDailyReport(c.UserContext())
	if err != nil {
		return err
	}
	return ok(c, fiber.StatusOK, report)
}

// HandleCleanup handles POST /api/v1/ops/cleanup?retention_days=
func (oc *OpsController) HandleCleanup(c *fiber.Ctx) error {
	days := c.QueryInt("retention_days", oc.retentionDays)
	res, err := oc.monitor.CleanupOldLogs(c.UserContext(), days)
	if err != nil {
		return err
	}
	return ok(c, fiber.StatusOK, res)
}

// HandleReconcile handles POST /api/v1/ops/reconcile
func (oc *OpsController) HandleReconcile(c *fiber.Ctx) error {
	if oc.reconciler == nil {
		return fiber.NewError(fiber.StatusNotFound, "Reconciliation is not enabled")
	}
	res, err := oc.reconciler.RunOnce(c.UserContext())
	if err != nil {
		return apperrors.Persistence(err, "reconciliation failed")
	}
	return ok(c, fiber.StatusOK, res)
}

// HandleJobs handles GET /api/v1/ops/jobs
func (oc *OpsController) HandleJobs(c *fiber.Ctx) error {
	if oc.queue == nil {
		return fiber.NewError(fiber.StatusNotFound, "Job queue is not enabled")
	}
	ctx := c.UserContext()
	stats, err := oc.queue.GetJobStats(ctx)
	if err != nil {
		return apperrors.Persistence(err, "job stats")
	}
	pending, err := oc.queue.GetQueueSize(ctx)
	if err != nil {
		return apperrors.Persistence(err, "queue size")
	}
	processing, err := oc.queue.GetProcessingSize(ctx)
	if err != nil {
		return apperrors.Persistence(err, "processing size")
	}
	return ok(c, fiber.StatusOK, fiber.Map{
		"pending":    pending,
		"processing": processing,
		"totals":     stats,
	})
}
