package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TierType string

const (
	TierTypeFree    TierType = "FREE"
	TierTypeSafety  TierType = "SAFETY"
	TierTypeNonFree TierType = "NON_FREE"
)

type RefillStrategy string

const (
	// Tokens trickle in continuously over the refill duration
	RefillGreedy RefillStrategy = "GREEDY"

	// The whole capacity appears at the end of each refill duration
	RefillInterval RefillStrategy = "INTERVAL"
)

// Quota policy applied to a class of callers
type Tier struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	Name           string         `gorm:"uniqueIndex;not null" json:"name"`
	Description    string         `json:"description"`
	Type           TierType       `gorm:"index;not null" json:"type"`
	Capacity       int64          `gorm:"not null" json:"capacity"`
	RefillStrategy RefillStrategy `gorm:"not null;default:'GREEDY'" json:"refill_strategy"`
	Duration       time.Duration  `gorm:"not null" json:"duration"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (t *Tier) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (Tier) TableName() string {
	return "tiers"
}

func (t TierType) Valid() bool {
	switch t {
	case TierTypeFree, TierTypeSafety, TierTypeNonFree:
		return true
	default:
		return false
	}
}

func (r RefillStrategy) Valid() bool {
	return r == RefillGreedy || r == RefillInterval
}
