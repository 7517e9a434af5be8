package models

import (
	"time"
)

const (
	WebhookEventDeposit    = "deposit"
	WebhookEventWithdrawal = "withdrawal"
)

// WebhookEvent stores every inbound provider callback, including rejected
// ones, for forensics and reconciliation. DedupeKey is transaction_id plus the
// resulting internal status; at most one event per key is ever applied.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	TransactionID   string     `gorm:"type:varchar(64);not null;default:'';index" json:"transaction_id"`
	EventType       string     `gorm:"type:varchar(20);not null" json:"event_type"`
	DedupeKey       string     `gorm:"type:varchar(96);not null;default:'';index" json:"dedupe_key"`
	ProviderStatus  string     `gorm:"type:varchar(64);not null;default:''" json:"provider_status"`
	RawPayload      string     `gorm:"type:longtext;not null" json:"raw_payload"`
	Signature       string     `gorm:"type:varchar(128);not null;default:''" json:"signature"`
	Timestamp       string     `gorm:"type:varchar(32);not null;default:''" json:"timestamp"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	Processed       bool       `gorm:"default:false;index:idx_webhook_events_retry,priority:1" json:"processed"`
	Applied         bool       `gorm:"default:false" json:"applied"`
	ProcessingError string     `gorm:"type:text" json:"processing_error,omitempty"`
	RetryCount      int        `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt     *time.Time `gorm:"type:timestamp;default:null;index:idx_webhook_events_retry,priority:2" json:"next_retry_at,omitempty"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DedupeKey builds the fingerprint for one (transaction, target status) pair.
func DedupeKey(transactionID string, target TransactionStatus) string {
	return transactionID + ":" + string(target)
}
