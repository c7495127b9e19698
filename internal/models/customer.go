package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EnforcementState string

const (
	// Tier quota is applied to the customer's traffic
	StateEnforcement EnforcementState = "ENFORCEMENT"

	// Usage is tracked but the tier quota is not applied
	StateEvaluation EnforcementState = "EVALUATION"
)

// Contracted customer identified by the IPv4 ranges it sends traffic from
type Customer struct {
	ID         uuid.UUID        `gorm:"type:uuid;primary_key" json:"id"`
	Name       string           `gorm:"uniqueIndex;not null" json:"name"`
	CIDRBlocks []string         `gorm:"serializer:json" json:"cidr_blocks"`
	TierID     *uuid.UUID       `gorm:"type:uuid;index" json:"tier_id,omitempty"`
	Tier       *Tier            `gorm:"foreignKey:TierID" json:"tier,omitempty"`
	State      EnforcementState `gorm:"not null;default:'EVALUATION'" json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (Customer) TableName() string {
	return "customers"
}

func (c *Customer) Enforced() bool {
	return c != nil && c.State == StateEnforcement && c.Tier != nil
}
