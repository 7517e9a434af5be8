// Package events announces transaction status changes to the surrounding
// business layer. A change is published once, by the writer whose
// conditional update moved the row.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/app/models"
)

// Source names the component that observed the change.
const (
	SourceGateway = "gateway"
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// StatusChange is the published event.
type StatusChange struct {
	TransactionID string                   `json:"transaction_id"`
	ExternalTxID  string                   `json:"external_tx_id,omitempty"`
	UserID        uint                     `json:"user_id"`
	Type          string                   `json:"type"`
	Amount        string                   `json:"amount"`
	Currency      string                   `json:"currency"`
	From          models.TransactionStatus `json:"from"`
	To            models.TransactionStatus `json:"to"`
	Source        string                   `json:"source"`
	At            time.Time                `json:"at"`
}

// NewStatusChange describes the move of tx from the given status.
func NewStatusChange(tx *models.Transaction, from models.TransactionStatus, source string) StatusChange {
	return StatusChange{
		TransactionID: tx.TransactionID,
		ExternalTxID:  tx.ExternalTxID,
		UserID:        tx.UserID,
		Type:          tx.Type,
		Amount:        tx.Amount.StringFixed(2),
		Currency:      tx.Currency,
		From:          from,
		To:            tx.Status,
		Source:        source,
		At:            tx.UpdatedAt.UTC(),
	}
}

// Publisher delivers status changes.
type Publisher interface {
	Publish(ctx context.Context, change StatusChange) error
	Close()
}

// LogPublisher writes changes to the operational log. It is used when no
// broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, change StatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	log.Infof("[Events] Status change: %s", payload)
	return nil
}

func (LogPublisher) Close() {}

// Notify publishes and only logs failures. The status change is already
// committed, so a lost event must not fail the request that caused it.
func Notify(ctx context.Context, p Publisher, change StatusChange) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, change); err != nil {
		log.Errorf("[Events] Failed to publish %s %s -> %s: %v", change.TransactionID, change.From, change.To, err)
	}
}
