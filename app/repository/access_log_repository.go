package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
)

// accessLogRepository implements the AccessLogRepository interface
type accessLogRepository struct {
	db *gorm.DB
}

// NewAccessLogRepository creates a new access log repository instance
func NewAccessLogRepository(db *gorm.DB) AccessLogRepository {
	return &accessLogRepository{db: db}
}

func (r *accessLogRepository) CreateBatch(ctx context.Context, records []models.AccessLog) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(records, 100).Error
}

// CountSince counts requests for one client and IP since the window start.
func (r *accessLogRepository) CountSince(ctx context.Context, clientID, ip string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.AccessLog{}).
		Where("client_id = ? AND ip = ? AND timestamp >= ?", clientID, ip, since).
		Count(&count).Error
	return count, err
}

func (r *accessLogRepository) Stats(ctx context.Context, from, to time.Time) (*AccessStats, error) {
	var stats AccessStats
	err := r.db.WithContext(ctx).
		Model(&models.AccessLog{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN success = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN rate_limited = ? THEN 1 ELSE 0 END), 0) AS rate_limited,
			COALESCE(AVG(response_time_ms), 0) AS avg_ms`, false, true).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *accessLogRepository) FindBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.AccessLog, error) {
	var records []models.AccessLog
	err := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *accessLogRepository) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.AccessLog{})
	return res.RowsAffected, res.Error
}
