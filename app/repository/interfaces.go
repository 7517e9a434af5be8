package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
)

// TransitionPatch carries the fields written together with a status change.
// Empty fields are left untouched.
type TransitionPatch struct {
	ExternalTxID    string
	ProviderStatus  string
	ResponsePayload datatypes.JSON
	CallbackPayload datatypes.JSON
	ErrorMessage    string
}

// TransitionResult is the row as stored after a Transition plus the decision
// that was taken. Transaction is set even when the transition was rejected.
type TransitionResult struct {
	Transaction *models.Transaction
	Decision    txstate.Decision
}

// Changed reports whether this call moved the row.
func (r *TransitionResult) Changed() bool {
	return r != nil && r.Decision.Changed()
}

// TransactionRepository enforces the state machine with conditional updates.
type TransactionRepository interface {
	CreateIfNotExists(ctx context.Context, tx *models.Transaction) (bool, *models.Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	Transition(ctx context.Context, transactionID string, target models.TransactionStatus, patch TransitionPatch) (*TransitionResult, error)
	MarkProcessing(ctx context.Context, transactionID, externalTxID, providerStatus string, response datatypes.JSON) (*TransitionResult, error)
	SumAmountSince(ctx context.Context, userID uint, txType, paymentMethod string, since time.Time) (decimal.Decimal, error)
	ListByStatusBefore(ctx context.Context, statuses []models.TransactionStatus, before time.Time, limit int) ([]models.Transaction, error)
	CountByStatusBefore(ctx context.Context, statuses []models.TransactionStatus, before time.Time) (int64, error)
	OutcomeStats(ctx context.Context, from, to time.Time) (*TransactionStats, error)
	StatsByMethod(ctx context.Context, from, to time.Time) ([]MethodStats, error)
	FindTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)
	DeleteByIDs(ctx context.Context, ids []uint) (int64, error)
}

// WebhookEventRepository stores every inbound callback.
type WebhookEventRepository interface {
	Create(ctx context.Context, event *models.WebhookEvent) error
	Save(ctx context.Context, event *models.WebhookEvent) error
	GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error)
	FindApplied(ctx context.Context, dedupeKey string) (*models.WebhookEvent, error)
	ListDueForRetry(ctx context.Context, now time.Time, maxRetries, limit int) ([]models.WebhookEvent, error)
	CountBacklog(ctx context.Context) (int64, error)
	Stats(ctx context.Context, from, to time.Time) (*WebhookStats, error)
	FindExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookEvent, error)
	DeleteByIDs(ctx context.Context, ids []uint) (int64, error)
}

// AccessLogRepository persists inbound request records.
type AccessLogRepository interface {
	CreateBatch(ctx context.Context, records []models.AccessLog) error
	CountSince(ctx context.Context, clientID, ip string, since time.Time) (int64, error)
	Stats(ctx context.Context, from, to time.Time) (*AccessStats, error)
	FindBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.AccessLog, error)
	DeleteByIDs(ctx context.Context, ids []uint) (int64, error)
}

// GatewayCallLogRepository persists outbound attempts.
type GatewayCallLogRepository interface {
	Create(ctx context.Context, entry *models.GatewayCallLog) error
	LatencyStats(ctx context.Context, from, to time.Time) (*LatencyStats, error)
	LatencyByMethod(ctx context.Context, from, to time.Time) ([]MethodLatency, error)
	FindBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.GatewayCallLog, error)
	DeleteByIDs(ctx context.Context, ids []uint) (int64, error)
}

// APIClientRepository resolves public API callers.
type APIClientRepository interface {
	Create(ctx context.Context, client *models.APIClient) error
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.APIClient, error)
}

// AccountRepository reads balances owned by the business layer.
type AccountRepository interface {
	GetByUserID(ctx context.Context, userID uint) (*models.Account, error)
}

// TransactionStats counts transactions created in a window by outcome.
type TransactionStats struct {
	Total      int64 `gorm:"column:total"`
	Completed  int64 `gorm:"column:completed"`
	Failed     int64 `gorm:"column:failed"`
	Cancelled  int64 `gorm:"column:cancelled"`
	Pending    int64 `gorm:"column:pending"`
	Processing int64 `gorm:"column:processing"`
}

// Finished is the number of transactions with a final result.
func (s TransactionStats) Finished() int64 {
	return s.Completed + s.Failed + s.Cancelled
}

// MethodStats is the per payment method breakdown.
type MethodStats struct {
	PaymentMethod string          `gorm:"column:payment_method" json:"payment_method"`
	Total         int64           `gorm:"column:total" json:"total"`
	Completed     int64           `gorm:"column:completed" json:"completed"`
	Failed        int64           `gorm:"column:failed" json:"failed"`
	Volume        decimal.Decimal `gorm:"column:volume" json:"volume"`
}

// WebhookStats counts webhook deliveries in a window.
type WebhookStats struct {
	Total            int64 `gorm:"column:total"`
	Processed        int64 `gorm:"column:processed"`
	Errored          int64 `gorm:"column:errored"`
	InvalidSignature int64 `gorm:"column:invalid_signature"`
}

// AccessStats counts inbound requests in a window.
type AccessStats struct {
	Total       int64   `gorm:"column:total"`
	Failed      int64   `gorm:"column:failed"`
	RateLimited int64   `gorm:"column:rate_limited"`
	AvgMs       float64 `gorm:"column:avg_ms"`
}

// LatencyStats summarizes outbound attempt latency.
type LatencyStats struct {
	Count   int64   `gorm:"column:count"`
	Success int64   `gorm:"column:success"`
	AvgMs   float64 `gorm:"column:avg_ms"`
	MinMs   int64   `gorm:"column:min_ms"`
	MaxMs   int64   `gorm:"column:max_ms"`
}

// MethodLatency is LatencyStats per payment method.
type MethodLatency struct {
	PaymentMethod string  `gorm:"column:payment_method" json:"payment_method"`
	Count         int64   `gorm:"column:count" json:"count"`
	AvgMs         float64 `gorm:"column:avg_ms" json:"avg_ms"`
	MinMs         int64   `gorm:"column:min_ms" json:"min_ms"`
	MaxMs         int64   `gorm:"column:max_ms" json:"max_ms"`
}

// Repositories struct holds all repository instances
type Repositories struct {
	Transaction    TransactionRepository
	WebhookEvent   WebhookEventRepository
	AccessLog      AccessLogRepository
	GatewayCallLog GatewayCallLogRepository
	APIClient      APIClientRepository
	Account        AccountRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Transaction:    NewTransactionRepository(db),
		WebhookEvent:   NewWebhookEventRepository(db),
		AccessLog:      NewAccessLogRepository(db),
		GatewayCallLog: NewGatewayCallLogRepository(db),
		APIClient:      NewAPIClientRepository(db),
		Account:        NewAccountRepository(db),
	}
}
