// Package health turns the transaction table and the request and call logs
// into a health verdict, alerts and reports, and enforces log retention.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/config"
)

const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"
)

// Alert types
const (
	AlertHighErrorRate      = "high_error_rate"
	AlertSlowGateway        = "slow_gateway"
	AlertSlowAPI            = "slow_api"
	AlertWebhookFailures    = "webhook_failures"
	AlertWebhookBacklog     = "webhook_backlog"
	AlertStuckTransactions  = "stuck_transactions"
	SeverityWarning         = "warning"
	SeverityCritical        = "critical"
	criticalSuccessRateDrop = 0.15
)

// SystemHealth is the verdict over the trailing window.
type SystemHealth struct {
	Status                 string    `json:"status"`
	CheckedAt              time.Time `json:"checked_at"`
	WindowSeconds          int64     `json:"window_seconds"`
	TransactionSuccessRate float64   `json:"transaction_success_rate"`
	FinishedTransactions   int64     `json:"finished_transactions"`
	AvgGatewayLatencyMs    float64   `json:"avg_gateway_latency_ms"`
	GatewayCalls           int64     `json:"gateway_calls"`
	WebhookSuccessRate     float64   `json:"webhook_success_rate"`
	WebhookEvents          int64     `json:"webhook_events"`
	Issues                 []string  `json:"issues,omitempty"`
}

// Healthy reports whether no threshold was crossed.
func (h *SystemHealth) Healthy() bool { return h.Status == StatusHealthy }

// Alert is derived on demand and never stored.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Archiver stores rows before they are purged.
type Archiver interface {
	Archive(ctx context.Context, kind string, seq int, rows any) (string, error)
}

// Monitor reads the repositories; it never writes except during cleanup.
type Monitor struct {
	cfg          config.Health
	transactions repository.TransactionRepository
	webhooks     repository.WebhookEventRepository
	accessLogs   repository.AccessLogRepository
	calls        repository.GatewayCallLogRepository
	archiver     Archiver
	now          func() time.Time
}

// NewMonitor builds a monitor. archiver may be nil.
func NewMonitor(cfg config.Health, repos *repository.Repositories, archiver Archiver) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.StuckPendingAfter <= 0 {
		cfg.StuckPendingAfter = 30 * time.Minute
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = 0.95
	}
	if cfg.MinWebhookSuccessRate <= 0 {
		cfg.MinWebhookSuccessRate = 0.95
	}
	if cfg.MaxLatencyMs <= 0 {
		cfg.MaxLatencyMs = 5000
	}
	return &Monitor{
		cfg:          cfg,
		transactions: repos.Transaction,
		webhooks:     repos.WebhookEvent,
		accessLogs:   repos.AccessLog,
		calls:        repos.GatewayCallLog,
		archiver:     archiver,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// GetSystemHealth classifies the trailing window against the thresholds.
func (m *Monitor) GetSystemHealth(ctx context.Context) (*SystemHealth, error) {
	now := m.now()
	from := now.Add(-m.cfg.Window)

	txStats, err := m.transactions.OutcomeStats(ctx, from, now)
	if err != nil {
		return nil, apperrors.Persistence(err, "transaction stats")
	}
	latency, err := m.calls.LatencyStats(ctx, from, now)
	if err != nil {
		return nil, apperrors.Persistence(err, "gateway latency stats")
	}
	hooks, err := m.webhooks.Stats(ctx, from, now)
	if err != nil {
		return nil, apperrors.Persistence(err, "webhook stats")
	}

	h := &SystemHealth{
		Status:                 StatusHealthy,
		CheckedAt:              now,
		WindowSeconds:          int64(m.cfg.Window.Seconds()),
		TransactionSuccessRate: ratio(txStats.Completed, txStats.Finished()),
		FinishedTransactions:   txStats.Finished(),
		AvgGatewayLatencyMs:    latency.AvgMs,
		GatewayCalls:           latency.Count,
		WebhookSuccessRate:     ratio(hooks.Total-hooks.Errored, hooks.Total),
		WebhookEvents:          hooks.Total,
	}

	if h.TransactionSuccessRate < m.cfg.MinSuccessRate {
		h.Issues = append(h.Issues, fmt.Sprintf("transaction success rate %.2f below %.2f", h.TransactionSuccessRate, m.cfg.MinSuccessRate))
	}
	if h.AvgGatewayLatencyMs > m.cfg.MaxLatencyMs {
		h.Issues = append(h.Issues, fmt.Sprintf("gateway latency %.0fms above %.0fms", h.AvgGatewayLatencyMs, m.cfg.MaxLatencyMs))
	}
	if h.WebhookSuccessRate < m.cfg.MinWebhookSuccessRate {
		h.Issues = append(h.Issues, fmt.Sprintf("webhook success rate %.2f below %.2f", h.WebhookSuccessRate, m.cfg.MinWebhookSuccessRate))
	}
	if len(h.Issues) > 0 {
		h.Status = StatusWarning
	}
	return h, nil
}

// GenerateAlerts runs the alert rules. An empty slice means all clear.
func (m *Monitor) GenerateAlerts(ctx context.Context) ([]Alert, error) {
	now := m.now()
	from := now.Add(-m.cfg.Window)
	alerts := []Alert{}
	add := func(kind, severity, msg string) {
		alerts = append(alerts, Alert{Type: kind, Severity: severity, Message: msg, CreatedAt: now})
	}

	h, err := m.GetSystemHealth(ctx)
	if err != nil {
		return nil, err
	}
	if h.FinishedTransactions > 0 && h.TransactionSuccessRate < m.cfg.MinSuccessRate {
		severity := SeverityWarning
		if h.TransactionSuccessRate < m.cfg.MinSuccessRate-criticalSuccessRateDrop {
			severity = SeverityCritical
		}
		add(AlertHighErrorRate, severity, fmt.Sprintf("Transaction success rate is %.1f%% over the last %s", h.TransactionSuccessRate*100, m.cfg.Window))
	}
	if h.GatewayCalls > 0 && h.AvgGatewayLatencyMs > m.cfg.MaxLatencyMs {
		add(AlertSlowGateway, SeverityWarning, fmt.Sprintf("Average gateway latency is %.0fms", h.AvgGatewayLatencyMs))
	}
	if h.WebhookEvents > 0 && h.WebhookSuccessRate < m.cfg.MinWebhookSuccessRate {
		add(AlertWebhookFailures, SeverityWarning, fmt.Sprintf("Webhook processing success rate is %.1f%%", h.WebhookSuccessRate*100))
	}

	access, err := m.accessLogs.Stats(ctx, from, now)
	if err != nil {
		return nil, apperrors.Persistence(err, "access stats")
	}
	if access.Total > 0 && access.AvgMs > m.cfg.MaxLatencyMs {
		add(AlertSlowAPI, SeverityWarning, fmt.Sprintf("Average API response time is %.0fms", access.AvgMs))
	}

	backlog, err := m.webhooks.CountBacklog(ctx)
	if err != nil {
		return nil, apperrors.Persistence(err, "webhook backlog")
	}
	if backlog > m.cfg.WebhookBacklogLimit {
		add(AlertWebhookBacklog, SeverityWarning, fmt.Sprintf("%d webhook events are waiting to be processed", backlog))
	}

	stuck, err := m.transactions.CountByStatusBefore(ctx, liveStatuses(), now.Add(-m.cfg.StuckPendingAfter))
	if err != nil {
		return nil, apperrors.Persistence(err, "stuck transactions")
	}
	if stuck > 0 {
		add(AlertStuckTransactions, SeverityWarning, fmt.Sprintf("%d transactions have been pending for more than %s", stuck, m.cfg.StuckPendingAfter))
	}

	for _, a := range alerts {
		log.Warnf("[HealthMonitor] %s alert (%s): %s", a.Type, a.Severity, a.Message)
	}
	return alerts, nil
}

func liveStatuses() []models.TransactionStatus {
	return []models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusProcessing}
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return float64(part) / float64(total)
}
