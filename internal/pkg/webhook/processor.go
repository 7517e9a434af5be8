// Package webhook applies asynchronous provider callbacks. Deliveries are
// at-least-once: every delivery is stored, and a repeated callback never moves
// a transaction twice.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/config"
	"github.com/ManuelReschke/PayGate/internal/pkg/events"
	"github.com/ManuelReschke/PayGate/internal/pkg/signature"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
)

const (
	ErrMsgUnmappedStatus = "unmapped provider status"
	ErrMsgTerminal       = "transaction already in a terminal state"
	ErrMsgUnknownTx      = "unknown transaction"
	ErrMsgMismatch       = "callback does not match transaction"
)

// Delivery is one inbound HTTP callback as received.
type Delivery struct {
	EventType string
	Body      []byte
	Signature string
	Timestamp string
}

// Payload is the provider's callback body.
type Payload struct {
	TransactionID string              `json:"transaction_id"`
	ExternalTxID  string              `json:"external_tx_id,omitempty"`
	Status        string              `json:"status"`
	Amount        decimal.NullDecimal `json:"amount"`
	Currency      string              `json:"currency"`
	PaymentMethod string              `json:"payment_method"`
	UserID        uint                `json:"user_id"`
	ErrorMessage  string              `json:"error_message,omitempty"`
}

// Result is returned for every delivery answered with 200.
type Result struct {
	EventID       uint                     `json:"event_id"`
	TransactionID string                   `json:"transaction_id"`
	Status        models.TransactionStatus `json:"status,omitempty"`
	Processed     bool                     `json:"processed"`
	Duplicate     bool                     `json:"duplicate,omitempty"`
	Message       string                   `json:"message,omitempty"`
}

// Processor verifies, deduplicates and applies callbacks.
type Processor struct {
	events       repository.WebhookEventRepository
	transactions repository.TransactionRepository
	statuses     *txstate.StatusMap
	publisher    events.Publisher
	dedupe       DedupeCache
	codec        *signature.Codec

	secret     string
	budget     time.Duration
	retryDelay time.Duration
	maxRetries int
	now        func() time.Time
}

func NewProcessor(
	cfg config.Webhook,
	eventRepo repository.WebhookEventRepository,
	transactions repository.TransactionRepository,
	statuses *txstate.StatusMap,
	publisher events.Publisher,
	dedupe DedupeCache,
) *Processor {
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	if dedupe == nil {
		dedupe = nopDedupe{}
	}
	p := &Processor{
		events:       eventRepo,
		transactions: transactions,
		statuses:     statuses,
		publisher:    publisher,
		dedupe:       dedupe,
		codec:        signature.NewCodec(cfg.SignatureTolerance),
		secret:       cfg.Secret,
		budget:       cfg.ProcessingBudget,
		retryDelay:   cfg.RetryDelay,
		maxRetries:   cfg.MaxRetries,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if p.budget <= 0 {
		p.budget = 10 * time.Second
	}
	if p.retryDelay <= 0 {
		p.retryDelay = 5 * time.Minute
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 5
	}
	return p
}

// SetClock replaces the time source of the processor and its signature codec.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
	p.codec.Now = now
}

// MaxRetries is the number of reprocessing attempts before an event is
// abandoned.
func (p *Processor) MaxRetries() int { return p.maxRetries }

// Handle processes one delivery. Errors carry the HTTP status the provider
// should see; a nil error means 200 with the returned Result.
func (p *Processor) Handle(ctx context.Context, d Delivery) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	event := &models.WebhookEvent{
		EventType:  d.EventType,
		RawPayload: string(d.Body),
		Signature:  strings.TrimSpace(d.Signature),
		Timestamp:  strings.TrimSpace(d.Timestamp),
	}

	payload, parseErr := decodePayload(d.Body)
	if payload != nil {
		event.TransactionID = truncate(payload.TransactionID, 64)
		event.ProviderStatus = truncate(payload.Status, 64)
	}

	if err := p.codec.Check(d.Body, event.Signature, p.secret, event.Timestamp); err != nil {
		event.ProcessingError = err.Error()
		if perr := p.events.Create(ctx, event); perr != nil {
			log.Errorf("[Webhook] Failed to store rejected delivery: %v", perr)
		}
		log.Warnf("[Webhook] Rejected %s callback for %q: %v", d.EventType, event.TransactionID, err)
		return nil, apperrors.Signature(err.Error())
	}
	event.SignatureValid = true

	if parseErr != nil || payload.TransactionID == "" || payload.Status == "" {
		event.ProcessingError = "missing transaction_id or status"
		if parseErr != nil {
			event.ProcessingError = "malformed payload: " + parseErr.Error()
		}
		event.Processed = true
		if err := p.events.Create(ctx, event); err != nil {
			return nil, apperrors.Persistence(err, "store webhook event")
		}
		return nil, apperrors.Validation(event.ProcessingError, nil)
	}

	if err := p.events.Create(ctx, event); err != nil {
		return nil, apperrors.Persistence(err, "store webhook event")
	}
	return p.apply(ctx, event, payload)
}

// Reprocess retries a stored event whose earlier attempt failed to persist.
// The signature was verified on arrival; the timestamp is not checked again.
func (p *Processor) Reprocess(ctx context.Context, event *models.WebhookEvent) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	if event.Processed || !event.SignatureValid {
		return &Result{EventID: event.ID, TransactionID: event.TransactionID, Processed: event.Processed}, nil
	}
	if event.RetryCount >= p.maxRetries {
		p.abandon(ctx, event)
		return &Result{EventID: event.ID, TransactionID: event.TransactionID, Message: event.ProcessingError}, nil
	}

	payload, err := decodePayload([]byte(event.RawPayload))
	if err != nil || payload.TransactionID == "" || payload.Status == "" {
		event.ProcessingError = "stored payload is not reprocessable"
		event.Processed = true
		p.save(ctx, event)
		return nil, apperrors.Validation(event.ProcessingError, nil)
	}
	return p.apply(ctx, event, payload)
}

func (p *Processor) apply(ctx context.Context, event *models.WebhookEvent, payload *Payload) (*Result, error) {
	result := &Result{EventID: event.ID, TransactionID: payload.TransactionID}

	tx, err := p.transactions.GetByTransactionID(ctx, payload.TransactionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		event.ProcessingError = ErrMsgUnknownTx
		p.save(ctx, event)
		log.Warnf("[Webhook] Callback %d for unknown transaction %s kept for reconciliation", event.ID, payload.TransactionID)
		return nil, apperrors.NotFound(fmt.Sprintf("transaction %s not found", payload.TransactionID))
	}
	if err != nil {
		return nil, p.retryLater(ctx, event, err)
	}
	result.Status = tx.Status

	if reason := mismatch(event.EventType, tx, payload); reason != "" {
		msg := ErrMsgMismatch + ": " + reason
		p.finish(ctx, event, false, msg)
		log.Warnf("[Webhook] Anomaly: callback %d for %s rejected, %s", event.ID, payload.TransactionID, reason)
		result.Message = msg
		return result, nil
	}

	target, ok := p.statuses.ToInternal(payload.Status)
	event.DedupeKey = models.DedupeKey(payload.TransactionID, target)
	if !ok {
		event.ProcessingError = ErrMsgUnmappedStatus
		event.Processed = false
		p.save(ctx, event)
		log.Warnf("[Webhook] Transaction %s: unmapped provider status %q, needs manual reconciliation", payload.TransactionID, payload.Status)
		result.Message = ErrMsgUnmappedStatus
		return result, nil
	}

	if dup, err := p.isDuplicate(ctx, event.DedupeKey); err != nil {
		return nil, p.retryLater(ctx, event, err)
	} else if dup {
		p.finish(ctx, event, false, "")
		log.Debugf("[Webhook] Duplicate callback %s for %s", payload.Status, payload.TransactionID)
		result.Processed = true
		result.Duplicate = true
		return result, nil
	}

	res, err := p.transactions.Transition(ctx, payload.TransactionID, target, repository.TransitionPatch{
		ExternalTxID:    payload.ExternalTxID,
		ProviderStatus:  payload.Status,
		CallbackPayload: datatypes.JSON(compactJSON([]byte(event.RawPayload))),
		ErrorMessage:    payload.ErrorMessage,
	})
	switch {
	case errors.Is(err, txstate.ErrTerminalState):
		p.finish(ctx, event, false, ErrMsgTerminal)
		if res != nil && res.Transaction != nil {
			result.Status = res.Transaction.Status
		}
		result.Message = ErrMsgTerminal
		return result, nil
	case err != nil:
		return nil, p.retryLater(ctx, event, err)
	}

	// Only the delivery whose update moved the row counts as applied.
	applied := res.Changed()
	p.finish(ctx, event, applied, "")
	result.Processed = true
	result.Status = res.Transaction.Status

	if applied {
		if err := p.dedupe.Remember(ctx, event.DedupeKey); err != nil {
			log.Warnf("[Webhook] Failed to cache dedupe key %s: %v", event.DedupeKey, err)
		}
		events.Notify(ctx, p.publisher, events.NewStatusChange(res.Transaction, res.Decision.From, events.SourceWebhook))
		log.Infof("[Webhook] Transaction %s %s -> %s", payload.TransactionID, res.Decision.From, res.Decision.To)
	}
	return result, nil
}

// mismatch compares the callback with the stored transaction. Fields the
// provider left out are not compared.
func mismatch(eventType string, tx *models.Transaction, payload *Payload) string {
	switch {
	case eventType == models.WebhookEventDeposit && tx.Type != models.TransactionTypeDeposit,
		eventType == models.WebhookEventWithdrawal && tx.Type != models.TransactionTypeWithdraw:
		return fmt.Sprintf("%s callback for a %s", eventType, tx.Type)
	case payload.Amount.Valid && !payload.Amount.Decimal.Equal(tx.Amount):
		return fmt.Sprintf("amount %s, expected %s", payload.Amount.Decimal.StringFixed(2), tx.Amount.StringFixed(2))
	case payload.Currency != "" && !strings.EqualFold(payload.Currency, tx.Currency):
		return fmt.Sprintf("currency %s, expected %s", payload.Currency, tx.Currency)
	}
	return ""
}

func (p *Processor) isDuplicate(ctx context.Context, key string) (bool, error) {
	if seen, err := p.dedupe.Seen(ctx, key); err != nil {
		log.Warnf("[Webhook] Dedupe cache unavailable, using database: %v", err)
	} else if seen {
		return true, nil
	}
	applied, err := p.events.FindApplied(ctx, key)
	if err != nil {
		return false, err
	}
	return applied != nil, nil
}

func (p *Processor) finish(ctx context.Context, event *models.WebhookEvent, applied bool, message string) {
	now := p.now()
	event.Processed = true
	event.Applied = applied
	event.ProcessingError = message
	event.NextRetryAt = nil
	event.ProcessedAt = &now
	p.save(ctx, event)
}

// retryLater marks the event for the reconciliation sweep and returns the
// error the provider sees, which makes it redeliver as well.
func (p *Processor) retryLater(ctx context.Context, event *models.WebhookEvent, cause error) error {
	event.RetryCount++
	event.ProcessingError = truncate(cause.Error(), 1000)
	if event.RetryCount >= p.maxRetries {
		p.abandon(ctx, event)
	} else {
		next := p.now().Add(p.retryDelay)
		event.NextRetryAt = &next
		p.save(ctx, event)
		log.Warnf("[Webhook] Event %d for %s failed (attempt %d), retry at %s: %v",
			event.ID, event.TransactionID, event.RetryCount, next.Format(time.RFC3339), cause)
	}
	return apperrors.Persistence(cause, "apply webhook")
}

func (p *Processor) abandon(ctx context.Context, event *models.WebhookEvent) {
	now := p.now()
	event.Processed = true
	event.Applied = false
	event.NextRetryAt = nil
	event.ProcessedAt = &now
	event.ProcessingError = truncate(fmt.Sprintf("abandoned after %d retries: %s", event.RetryCount, event.ProcessingError), 1000)
	p.save(ctx, event)
	log.Errorf("[Webhook] Event %d for %s abandoned after %d retries", event.ID, event.TransactionID, event.RetryCount)
}

// save writes the event even after the request budget ran out.
func (p *Processor) save(ctx context.Context, event *models.WebhookEvent) {
	if event.ID == 0 {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.events.Save(writeCtx, event); err != nil {
		log.Errorf("[Webhook] Failed to update event %d: %v", event.ID, err)
	}
}

func decodePayload(body []byte) (*Payload, error) {
	var payload Payload
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty body")
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		// A partial decode still helps forensics.
		var ids struct {
			TransactionID string `json:"transaction_id"`
			Status        string `json:"status"`
		}
		if json.Unmarshal(body, &ids) == nil {
			return &Payload{TransactionID: ids.TransactionID, Status: ids.Status}, err
		}
		return nil, err
	}
	payload.TransactionID = strings.TrimSpace(payload.TransactionID)
	payload.Status = strings.TrimSpace(payload.Status)
	return &payload, nil
}

func compactJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
