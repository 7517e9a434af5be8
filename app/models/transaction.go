package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionStatus string

// Internal status vocabulary exposed to collaborators.
const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusCancelled  TransactionStatus = "cancelled"
	// TransactionStatusUnknown is never stored. It marks a provider status
	// that has no mapping and needs manual reconciliation.
	TransactionStatusUnknown TransactionStatus = "unknown"
)

// IsTerminal reports whether no further transition is allowed.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses lists the final states.
func TerminalStatuses() []TransactionStatus {
	return []TransactionStatus{TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled}
}

const (
	TransactionTypeDeposit  = "deposit"
	TransactionTypeWithdraw = "withdraw"
)

// Transaction is one money movement through the upstream gateway. The client
// supplied TransactionID doubles as idempotency key and is never reused.
type Transaction struct {
	ID              uint              `gorm:"primaryKey" json:"-"`
	TransactionID   string            `gorm:"type:varchar(64);not null;uniqueIndex:ux_transactions_transaction_id" json:"transaction_id"`
	ExternalTxID    string            `gorm:"type:varchar(128);not null;default:'';index" json:"external_tx_id,omitempty"`
	ClientID        string            `gorm:"type:varchar(64);not null;default:'';index" json:"client_id,omitempty"`
	UserID          uint              `gorm:"not null;index:idx_transactions_user_type_created,priority:1" json:"user_id"`
	Type            string            `gorm:"type:varchar(16);not null;index:idx_transactions_user_type_created,priority:2" json:"type"`
	Amount          decimal.Decimal   `gorm:"type:decimal(18,2);not null" json:"amount"`
	Currency        string            `gorm:"type:varchar(3);not null" json:"currency"`
	PaymentMethod   string            `gorm:"type:varchar(50);not null;index" json:"payment_method"`
	Status          TransactionStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_transactions_status_created,priority:1" json:"status"`
	ProviderStatus  string            `gorm:"type:varchar(64);not null;default:''" json:"provider_status,omitempty"`
	RequestPayload  datatypes.JSON    `gorm:"type:json" json:"-"`
	ResponsePayload datatypes.JSON    `gorm:"type:json" json:"-"`
	CallbackPayload datatypes.JSON    `gorm:"type:json" json:"-"`
	ErrorMessage    string            `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time         `gorm:"autoCreateTime;index:idx_transactions_status_created,priority:2;index:idx_transactions_user_type_created,priority:3" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt     *time.Time        `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
}
