package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
)

// webhookEventRepository implements the WebhookEventRepository interface
type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository instance
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *webhookEventRepository) Save(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Save(event).Error
}

func (r *webhookEventRepository) GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// FindApplied returns the event that already applied dedupeKey, or nil.
func (r *webhookEventRepository) FindApplied(ctx context.Context, dedupeKey string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("dedupe_key = ? AND applied = ?", dedupeKey, true).
		Order("id ASC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListDueForRetry returns signed but unprocessed events whose retry marker
// has passed.
func (r *webhookEventRepository) ListDueForRetry(ctx context.Context, now time.Time, maxRetries, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND signature_valid = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count < ?",
			false, true, now, maxRetries).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// CountBacklog counts signed events still waiting to be processed.
func (r *webhookEventRepository) CountBacklog(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("processed = ? AND signature_valid = ?", false, true).
		Count(&count).Error
	return count, err
}

func (r *webhookEventRepository) Stats(ctx context.Context, from, to time.Time) (*WebhookStats, error) {
	var stats WebhookStats
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN processed = ? THEN 1 ELSE 0 END), 0) AS processed,
			COALESCE(SUM(CASE WHEN processing_error <> '' THEN 1 ELSE 0 END), 0) AS errored,
			COALESCE(SUM(CASE WHEN signature_valid = ? THEN 1 ELSE 0 END), 0) AS invalid_signature`, true, false).
		Where("created_at >= ? AND created_at < ?", from, to).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// FindExpiredBefore returns events that need no further work: processed
// ones, rejected deliveries and parked events (unknown transaction or
// unmapped status) that have no retry scheduled.
func (r *webhookEventRepository) FindExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("(processed = ? OR signature_valid = ? OR (processing_error <> '' AND next_retry_at IS NULL)) AND created_at < ?",
			true, false, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}
