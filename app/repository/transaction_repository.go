package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
)

// maxCASAttempts bounds the re-read loop when a concurrent writer wins.
const maxCASAttempts = 5

// ErrConcurrentUpdate is returned when the conditional update kept losing.
var ErrConcurrentUpdate = errors.New("transaction changed concurrently")

// transactionRepository implements the TransactionRepository interface
type transactionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTransactionRepository creates a new transaction repository instance
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateIfNotExists inserts tx unless its transaction_id is already taken and
// returns the stored row either way.
func (r *transactionRepository) CreateIfNotExists(ctx context.Context, tx *models.Transaction) (bool, *models.Transaction, error) {
	if tx.Status == "" {
		tx.Status = models.TransactionStatusPending
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(tx)
	if res.Error != nil {
		return false, nil, res.Error
	}

	created := res.RowsAffected > 0
	stored, err := r.GetByTransactionID(ctx, tx.TransactionID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

// GetByTransactionID retrieves a transaction by its client id
func (r *transactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Transition reads the row, reduces the current status against target and
// writes the result with a status-conditional UPDATE. When another writer
// got there first the loop re-reads and decides again, so a terminal status
// written concurrently is observed and never overwritten.
func (r *transactionRepository) Transition(ctx context.Context, transactionID string, target models.TransactionStatus, patch TransitionPatch) (*TransitionResult, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		current, err := r.GetByTransactionID(ctx, transactionID)
		if err != nil {
			return nil, err
		}

		decision, err := txstate.Apply(current.Status, target)
		result := &TransitionResult{Transaction: current, Decision: decision}
		if err != nil {
			if errors.Is(err, txstate.ErrTerminalState) {
				log.Warnf("[TransactionRepository] Anomaly: rejected update of %s from %s to %s", transactionID, current.Status, target)
			}
			return result, err
		}
		if !decision.Changed() {
			return result, nil
		}

		now := r.now()
		updates := map[string]interface{}{
			"status":     target,
			"updated_at": now,
		}
		if target.IsTerminal() {
			updates["completed_at"] = now
		}
		if patch.ExternalTxID != "" {
			updates["external_tx_id"] = patch.ExternalTxID
		}
		if patch.ProviderStatus != "" {
			updates["provider_status"] = patch.ProviderStatus
		}
		if len(patch.ResponsePayload) > 0 {
			updates["response_payload"] = patch.ResponsePayload
		}
		if len(patch.CallbackPayload) > 0 {
			updates["callback_payload"] = patch.CallbackPayload
		}
		if patch.ErrorMessage != "" {
			updates["error_message"] = patch.ErrorMessage
		}

		res := r.db.WithContext(ctx).
			Model(&models.Transaction{}).
			Where("transaction_id = ? AND status = ?", transactionID, current.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			stored, err := r.GetByTransactionID(ctx, transactionID)
			if err != nil {
				return nil, err
			}
			return &TransitionResult{Transaction: stored, Decision: decision}, nil
		}

		log.Debugf("[TransactionRepository] Lost CAS race on %s (attempt %d), re-reading", transactionID, attempt)
	}

	return nil, fmt.Errorf("%w: %s", ErrConcurrentUpdate, transactionID)
}

// MarkProcessing records the provider acknowledgement: pending -> processing.
// A callback may have moved the row already, so the external id and the
// response are attached whatever the status decision was.
func (r *transactionRepository) MarkProcessing(ctx context.Context, transactionID, externalTxID, providerStatus string, response datatypes.JSON) (*TransitionResult, error) {
	result, err := r.Transition(ctx, transactionID, models.TransactionStatusProcessing, TransitionPatch{
		ExternalTxID:    externalTxID,
		ProviderStatus:  providerStatus,
		ResponsePayload: response,
	})
	if result == nil || externalTxID == "" {
		return result, err
	}
	if result.Transaction.ExternalTxID != "" {
		return result, err
	}

	attached, attachErr := r.attachAcknowledgement(ctx, transactionID, externalTxID, response)
	if attachErr != nil {
		return nil, attachErr
	}
	if attached {
		stored, getErr := r.GetByTransactionID(ctx, transactionID)
		if getErr != nil {
			return nil, getErr
		}
		log.Infof("[TransactionRepository] Attached external id %s to %s (status %s)", externalTxID, transactionID, stored.Status)
		result.Transaction = stored
	}
	return result, err
}

// attachAcknowledgement fills external_tx_id and an empty response_payload.
// Status is never touched and an id already stored is never replaced.
func (r *transactionRepository) attachAcknowledgement(ctx context.Context, transactionID, externalTxID string, response datatypes.JSON) (bool, error) {
	updates := map[string]interface{}{
		"external_tx_id": externalTxID,
		"updated_at":     r.now(),
	}
	if len(response) > 0 {
		updates["response_payload"] = gorm.Expr("COALESCE(response_payload, ?)", response)
	}
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("transaction_id = ? AND external_tx_id = ?", transactionID, "").
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SumAmountSince totals the user's transactions of one type and method that
// have not failed or been cancelled.
func (r *transactionRepository) SumAmountSince(ctx context.Context, userID uint, txType, paymentMethod string, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND type = ? AND payment_method = ? AND created_at >= ?", userID, txType, paymentMethod, since).
		Where("status NOT IN ?", []models.TransactionStatus{models.TransactionStatusFailed, models.TransactionStatusCancelled}).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// ListByStatusBefore returns the oldest transactions in statuses last updated
// before the given time.
func (r *transactionRepository) ListByStatusBefore(ctx context.Context, statuses []models.TransactionStatus, before time.Time, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CountByStatusBefore counts transactions in statuses created before the
// given time.
func (r *transactionRepository) CountByStatusBefore(ctx context.Context, statuses []models.TransactionStatus, before time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("status IN ? AND created_at < ?", statuses, before).
		Count(&count).Error
	return count, err
}

func (r *transactionRepository) OutcomeStats(ctx context.Context, from, to time.Time) (*TransactionStats, error) {
	var stats TransactionStats
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0) AS cancelled,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0) AS processing`).
		Where("created_at >= ? AND created_at < ?", from, to).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *transactionRepository) StatsByMethod(ctx context.Context, from, to time.Time) ([]MethodStats, error) {
	var rows []MethodStats
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select(`payment_method,
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN amount ELSE 0 END), 0) AS volume`).
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("payment_method").
		Order("payment_method").
		Scan(&rows).Error
	return rows, err
}

// FindTerminalBefore returns finished transactions older than cutoff. Pending
// and processing rows are never returned, whatever their age.
func (r *transactionRepository) FindTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", models.TerminalStatuses(), cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// DeleteByIDs removes terminal transactions. The status guard is repeated so
// a caller passing the wrong ids cannot purge live transactions.
func (r *transactionRepository) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("id IN ? AND status IN ?", ids, models.TerminalStatuses()).
		Delete(&models.Transaction{})
	return res.RowsAffected, res.Error
}
