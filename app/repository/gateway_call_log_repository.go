package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
)

// gatewayCallLogRepository implements the GatewayCallLogRepository interface
type gatewayCallLogRepository struct {
	db *gorm.DB
}

// NewGatewayCallLogRepository creates a new gateway call log repository instance
func NewGatewayCallLogRepository(db *gorm.DB) GatewayCallLogRepository {
	return &gatewayCallLogRepository{db: db}
}

func (r *gatewayCallLogRepository) Create(ctx context.Context, entry *models.GatewayCallLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gatewayCallLogRepository) LatencyStats(ctx context.Context, from, to time.Time) (*LatencyStats, error) {
	var stats LatencyStats
	err := r.db.WithContext(ctx).
		Model(&models.GatewayCallLog{}).
		Select(`COUNT(*) AS count,
			COALESCE(SUM(CASE WHEN success = ? THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(AVG(latency_ms), 0) AS avg_ms,
			COALESCE(MIN(latency_ms), 0) AS min_ms,
			COALESCE(MAX(latency_ms), 0) AS max_ms`, true).
		Where("created_at >= ? AND created_at < ?", from, to).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *gatewayCallLogRepository) LatencyByMethod(ctx context.Context, from, to time.Time) ([]MethodLatency, error) {
	var rows []MethodLatency
	err := r.db.WithContext(ctx).
		Model(&models.GatewayCallLog{}).
		Select(`payment_method,
			COUNT(*) AS count,
			COALESCE(AVG(latency_ms), 0) AS avg_ms,
			COALESCE(MIN(latency_ms), 0) AS min_ms,
			COALESCE(MAX(latency_ms), 0) AS max_ms`).
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("payment_method").
		Order("payment_method").
		Scan(&rows).Error
	return rows, err
}

func (r *gatewayCallLogRepository) FindBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.GatewayCallLog, error) {
	var entries []models.GatewayCallLog
	err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *gatewayCallLogRepository) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.GatewayCallLog{})
	return res.RowsAffected, res.Error
}
