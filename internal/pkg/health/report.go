package health

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
)

const cleanupBatchSize = 500

// MethodPerformance is the per payment method breakdown of a range.
type MethodPerformance struct {
	PaymentMethod string          `json:"payment_method"`
	Total         int64           `json:"total"`
	Completed     int64           `json:"completed"`
	Failed        int64           `json:"failed"`
	SuccessRate   float64         `json:"success_rate"`
	Volume        decimal.Decimal `json:"volume"`
	AvgLatencyMs  float64         `json:"avg_latency_ms"`
	MinLatencyMs  int64           `json:"min_latency_ms"`
	MaxLatencyMs  int64           `json:"max_latency_ms"`
}

// PerformanceMetrics covers [From, To).
type PerformanceMetrics struct {
	From         time.Time           `json:"from"`
	To           time.Time           `json:"to"`
	Methods      []MethodPerformance `json:"methods"`
	GatewayCalls int64               `json:"gateway_calls"`
	AvgLatencyMs float64             `json:"avg_latency_ms"`
	MinLatencyMs int64               `json:"min_latency_ms"`
	MaxLatencyMs int64               `json:"max_latency_ms"`
}

// TrafficStats summarizes inbound requests.
type TrafficStats struct {
	Requests      int64   `json:"requests"`
	Failed        int64   `json:"failed"`
	RateLimited   int64   `json:"rate_limited"`
	RateLimitRate float64 `json:"rate_limit_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// WebhookSummary summarizes inbound callbacks.
type WebhookSummary struct {
	Received         int64 `json:"received"`
	Processed        int64 `json:"processed"`
	Errored          int64 `json:"errored"`
	InvalidSignature int64 `json:"invalid_signature"`
	Backlog          int64 `json:"backlog"`
}

// DailyReport is the trailing 24 hour summary.
type DailyReport struct {
	GeneratedAt     time.Time           `json:"generated_at"`
	Health          *SystemHealth       `json:"health"`
	Performance     *PerformanceMetrics `json:"performance"`
	Traffic         TrafficStats        `json:"traffic"`
	Webhooks        WebhookSummary      `json:"webhooks"`
	Alerts          []Alert             `json:"alerts"`
	Recommendations []string            `json:"recommendations"`
}

// CleanupResult counts purged rows per table.
type CleanupResult struct {
	Cutoff        time.Time `json:"cutoff"`
	AccessLogs    int64     `json:"access_logs"`
	GatewayCalls  int64     `json:"gateway_calls"`
	WebhookEvents int64     `json:"webhook_events"`
	Transactions  int64     `json:"transactions"`
	Archives      []string  `json:"archives,omitempty"`
}

// GetPerformanceMetrics breaks [from, to) down by payment method.
func (m *Monitor) GetPerformanceMetrics(ctx context.Context, from, to time.Time) (*PerformanceMetrics, error) {
	if !to.After(from) {
		return nil, apperrors.Validation("range end must be after its start", nil)
	}

	byMethod, err := m.transactions.StatsByMethod(ctx, from, to)
	if err != nil {
		return nil, apperrors.Persistence(err, "method stats")
	}
	latency, err := m.calls.LatencyStats(ctx, from, to)
	if err != nil {
		return nil, apperrors.Persistence(err, "latency stats")
	}
	latencyByMethod, err := m.calls.LatencyByMethod(ctx, from, to)
	if err != nil {
		return nil, apperrors.Persistence(err, "latency by method")
	}

	lat := make(map[string]repository.MethodLatency, len(latencyByMethod))
	for _, l := range latencyByMethod {
		lat[l.PaymentMethod] = l
	}

	out := &PerformanceMetrics{
		From:         from,
		To:           to,
		Methods:      make([]MethodPerformance, 0, len(byMethod)),
		GatewayCalls: latency.Count,
		AvgLatencyMs: latency.AvgMs,
		MinLatencyMs: latency.MinMs,
		MaxLatencyMs: latency.MaxMs,
	}
	for _, s := range byMethod {
		mp := MethodPerformance{
			PaymentMethod: s.PaymentMethod,
			Total:         s.Total,
			Completed:     s.Completed,
			Failed:        s.Failed,
			SuccessRate:   ratio(s.Completed, s.Completed+s.Failed),
			Volume:        s.Volume,
		}
		if l, ok := lat[s.PaymentMethod]; ok {
			mp.AvgLatencyMs = l.AvgMs
			mp.MinLatencyMs = l.MinMs
			mp.MaxLatencyMs = l.MaxMs
		}
		out.Methods = append(out.Methods, mp)
	}
	return out, nil
}

// GenerateDailyReport composes health, performance and traffic of the last
// 24 hours with recommendations.
func (m *Monitor) GenerateDailyReport(ctx context.Context) (*DailyReport, error) {
	now := m.now()
	from := now.Add(-24 * time.Hour)

	h, err := m.GetSystemHealth(ctx)
	if err != nil {
		return nil, err
	}
	perf, err := m.GetPerformanceMetrics(ctx, from, now)
	if err != nil {
		return nil, err
	}
	access, err := m.accessLogs.Stats(ctx, from, now)
	if err != nil {
		return nil, apperrors.Persistence(err, "access stats")
	}
	hooks, err := m.webhooks.Stats(ctx, from, now)
	if err != nil {
		return nil, apperrors.Persistence(err, "webhook stats")
	}
	backlog, err := m.webhooks.CountBacklog(ctx)
	if err != nil {
		return nil, apperrors.Persistence(err, "webhook backlog")
	}
	alerts, err := m.GenerateAlerts(ctx)
	if err != nil {
		return nil, err
	}

	report := &DailyReport{
		GeneratedAt: now,
		Health:      h,
		Performance: perf,
		Traffic: TrafficStats{
			Requests:      access.Total,
			Failed:        access.Failed,
			RateLimited:   access.RateLimited,
			RateLimitRate: 1 - ratio(access.Total-access.RateLimited, access.Total),
			AvgResponseMs: access.AvgMs,
		},
		Webhooks: WebhookSummary{
			Received:         hooks.Total,
			Processed:        hooks.Processed,
			Errored:          hooks.Errored,
			InvalidSignature: hooks.InvalidSignature,
			Backlog:          backlog,
		},
		Alerts: alerts,
	}
	report.Recommendations = m.recommend(report)
	return report, nil
}

func (m *Monitor) recommend(r *DailyReport) []string {
	recs := []string{}
	for _, method := range r.Performance.Methods {
		if method.Completed+method.Failed >= 10 && method.SuccessRate < m.cfg.MinSuccessRate {
			recs = append(recs, fmt.Sprintf("Payment method %s succeeds only %.1f%% of the time; review its provider configuration", method.PaymentMethod, method.SuccessRate*100))
		}
		if method.AvgLatencyMs > m.cfg.MaxLatencyMs {
			recs = append(recs, fmt.Sprintf("Gateway calls for %s average %.0fms; consider raising the timeout or contacting the provider", method.PaymentMethod, method.AvgLatencyMs))
		}
	}
	if r.Traffic.Requests > 0 && r.Traffic.RateLimitRate > 0.05 {
		recs = append(recs, fmt.Sprintf("%.1f%% of requests were rate limited; check for misbehaving clients or raise the limits", r.Traffic.RateLimitRate*100))
	}
	if r.Webhooks.InvalidSignature > 0 {
		recs = append(recs, fmt.Sprintf("%d webhook deliveries had invalid signatures; verify the shared webhook secret", r.Webhooks.InvalidSignature))
	}
	if r.Webhooks.Backlog > m.cfg.WebhookBacklogLimit {
		recs = append(recs, "Unprocessed webhook backlog is growing; run the reconciliation job")
	}
	if len(recs) == 0 {
		recs = append(recs, "No action needed")
	}
	return recs
}

// CleanupOldLogs purges rows older than retentionDays. Transactions are only
// purged in a terminal status. With an archiver configured, every batch is
// archived before it is deleted and a failed archive stops the cleanup.
func (m *Monitor) CleanupOldLogs(ctx context.Context, retentionDays int) (*CleanupResult, error) {
	if retentionDays <= 0 {
		return nil, apperrors.Validation("retention days must be positive", map[string]any{"retention_days": retentionDays})
	}
	res := &CleanupResult{Cutoff: m.now().AddDate(0, 0, -retentionDays)}

	var err error
	res.AccessLogs, err = purge(ctx, m, res, "access_logs",
		func() ([]uint, any, error) {
			rows, err := m.accessLogs.FindBefore(ctx, res.Cutoff, cleanupBatchSize)
			ids := make([]uint, len(rows))
			for i := range rows {
				ids[i] = rows[i].ID
			}
			return ids, rows, err
		}, m.accessLogs.DeleteByIDs)
	if err != nil {
		return res, err
	}

	res.GatewayCalls, err = purge(ctx, m, res, "gateway_call_logs",
		func() ([]uint, any, error) {
			rows, err := m.calls.FindBefore(ctx, res.Cutoff, cleanupBatchSize)
			ids := make([]uint, len(rows))
			for i := range rows {
				ids[i] = rows[i].ID
			}
			return ids, rows, err
		}, m.calls.DeleteByIDs)
	if err != nil {
		return res, err
	}

	res.WebhookEvents, err = purge(ctx, m, res, "webhook_events",
		func() ([]uint, any, error) {
			rows, err := m.webhooks.FindExpiredBefore(ctx, res.Cutoff, cleanupBatchSize)
			ids := make([]uint, len(rows))
			for i := range rows {
				ids[i] = rows[i].ID
			}
			return ids, rows, err
		}, m.webhooks.DeleteByIDs)
	if err != nil {
		return res, err
	}

	res.Transactions, err = purge(ctx, m, res, "transactions",
		func() ([]uint, any, error) {
			rows, err := m.transactions.FindTerminalBefore(ctx, res.Cutoff, cleanupBatchSize)
			ids := make([]uint, len(rows))
			for i := range rows {
				ids[i] = rows[i].ID
			}
			return ids, rows, err
		}, m.transactions.DeleteByIDs)
	if err != nil {
		return res, err
	}

	log.Infof("[HealthMonitor] Cleanup before %s: %d access logs, %d gateway calls, %d webhook events, %d transactions",
		res.Cutoff.Format(time.RFC3339), res.AccessLogs, res.GatewayCalls, res.WebhookEvents, res.Transactions)
	return res, nil
}

// purge deletes batches until find returns a short batch.
func purge(
	ctx context.Context,
	m *Monitor,
	res *CleanupResult,
	kind string,
	find func() ([]uint, any, error),
	remove func(context.Context, []uint) (int64, error),
) (int64, error) {
	var total int64
	for seq := 1; ; seq++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ids, rows, err := find()
		if err != nil {
			return total, apperrors.Persistence(err, "find old "+kind)
		}
		if len(ids) == 0 {
			return total, nil
		}
		if m.archiver != nil {
			key, err := m.archiver.Archive(ctx, kind, seq, rows)
			if err != nil {
				return total, fmt.Errorf("archive %s batch %d: %w", kind, seq, err)
			}
			res.Archives = append(res.Archives, key)
		}
		n, err := remove(ctx, ids)
		if err != nil {
			return total, apperrors.Persistence(err, "delete old "+kind)
		}
		total += n
		if len(ids) < cleanupBatchSize || n == 0 {
			return total, nil
		}
	}
}
