package models

import "time"

// GatewayCallLog records one outbound attempt to the provider, successful or
// not.
type GatewayCallLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Endpoint      string    `gorm:"type:varchar(255);not null" json:"endpoint"`
	Method        string    `gorm:"type:varchar(10);not null" json:"method"`
	TransactionID string    `gorm:"type:varchar(64);not null;default:'';index" json:"transaction_id"`
	PaymentMethod string    `gorm:"type:varchar(50);not null;default:''" json:"payment_method"`
	Attempt       int       `gorm:"not null" json:"attempt"`
	StatusCode    int       `gorm:"not null;default:0" json:"status_code"`
	LatencyMs     int64     `gorm:"not null" json:"latency_ms"`
	Success       bool      `gorm:"default:false" json:"success"`
	ErrorMessage  string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
