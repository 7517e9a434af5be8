package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
)

// apiClientRepository implements the APIClientRepository interface
type apiClientRepository struct {
	db *gorm.DB
}

// NewAPIClientRepository creates a new API client repository instance
func NewAPIClientRepository(db *gorm.DB) APIClientRepository {
	return &apiClientRepository{db: db}
}

func (r *apiClientRepository) Create(ctx context.Context, client *models.APIClient) error {
	return r.db.WithContext(ctx).Create(client).Error
}

// GetByAPIKeyHash resolves an active API key hash to its client.
func (r *apiClientRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.APIClient, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}

	var client models.APIClient
	err := r.db.WithContext(ctx).
		Where("api_key_hash = ? AND active = ?", trimmed, true).
		First(&client).Error
	if err != nil {
		return nil, err
	}
	return &client, nil
}
