package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// APIClient is a caller of the public API. Only the SHA-256 of the API key is
// stored; SigningSecret verifies the caller's request signatures.
type APIClient struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ClientID      string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"client_id"`
	Name          string    `gorm:"type:varchar(100);not null;default:''" json:"name"`
	APIKeyHash    string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"-"`
	SigningSecret string    `gorm:"type:varchar(191);not null" json:"-"`
	Active        bool      `gorm:"not null" json:"active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HashAPIKey returns the hex SHA-256 under which an API key is stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
