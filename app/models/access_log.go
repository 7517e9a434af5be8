package models

import "time"

// AccessLog is one inbound API request. Rows are append-only.
type AccessLog struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ClientID       string    `gorm:"type:varchar(64);not null;default:'';index:idx_access_logs_client_ip_ts,priority:1" json:"client_id"`
	IP             string    `gorm:"type:varchar(45);not null;default:'';index:idx_access_logs_client_ip_ts,priority:2" json:"ip"`
	Endpoint       string    `gorm:"type:varchar(255);not null" json:"endpoint"`
	Method         string    `gorm:"type:varchar(10);not null" json:"method"`
	RequestID      string    `gorm:"type:varchar(64);not null;default:''" json:"request_id"`
	Timestamp      time.Time `gorm:"not null;index;index:idx_access_logs_client_ip_ts,priority:3" json:"timestamp"`
	ResponseStatus int       `gorm:"not null" json:"response_status"`
	ResponseTimeMs int64     `gorm:"not null" json:"response_time_ms"`
	RateLimited    bool      `gorm:"default:false" json:"rate_limited"`
	Success        bool      `gorm:"default:false" json:"success"`
}
