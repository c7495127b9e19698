package models

import (
	"time"

	"github.com/google/uuid"
)

// Request count of one customer over one closed usage window
type UsageStats struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	CustomerID  uuid.UUID     `gorm:"type:uuid;index;not null" json:"customer_id"`
	Customer    *Customer     `gorm:"foreignKey:CustomerID" json:"-"`
	WindowStart time.Time     `gorm:"index;not null" json:"window_start"`
	Count       int64         `gorm:"not null" json:"count"`
	Duration    time.Duration `gorm:"not null" json:"duration"`
}

func (UsageStats) TableName() string {
	return "usage_stats"
}
