package gateway

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
)

// CallRecorder receives every outbound attempt. Implementations must not
// fail the call they record.
type CallRecorder interface {
	RecordCall(ctx context.Context, entry *models.GatewayCallLog)
}

// RepositoryRecorder stores attempts in gateway_call_logs.
type RepositoryRecorder struct {
	repo repository.GatewayCallLogRepository
}

func NewRepositoryRecorder(repo repository.GatewayCallLogRepository) *RepositoryRecorder {
	return &RepositoryRecorder{repo: repo}
}

func (r *RepositoryRecorder) RecordCall(ctx context.Context, entry *models.GatewayCallLog) {
	// The caller's context may already be cancelled; the attempt still counts.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.repo.Create(writeCtx, entry); err != nil {
		log.Errorf("[GatewayClient] Failed to record call %s %s attempt %d: %v", entry.Method, entry.Endpoint, entry.Attempt, err)
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordCall(context.Context, *models.GatewayCallLog) {}
