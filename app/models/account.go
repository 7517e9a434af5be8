package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the user balance owned by the surrounding business layer. The
// gateway only reads it.
type Account struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	UserID    uint            `gorm:"not null;uniqueIndex" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"balance"`
	Currency  string          `gorm:"type:varchar(3);not null" json:"currency"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
