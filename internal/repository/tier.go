package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TierRepository struct {
	db *storage.Postgres
}

func NewTierRepository(db *storage.Postgres) *TierRepository {
	return &TierRepository{db: db}
}

func (r *TierRepository) Create(ctx context.Context, tier *models.Tier) error {
	return r.db.DB.WithContext(ctx).Create(tier).Error
}

// Oldest first, so callers picking "the first tier of a type" get a stable answer
func (r *TierRepository) ListByType(ctx context.Context, tierType models.TierType) ([]models.Tier, error) {
	var tiers []models.Tier
	err := r.db.DB.WithContext(ctx).
		Where("type = ?", tierType).
		Order("created_at ASC, id ASC").
		Find(&tiers).Error

	return tiers, err
}

func (r *TierRepository) List(ctx context.Context) ([]models.Tier, error) {
	var tiers []models.Tier
	err := r.db.DB.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Find(&tiers).Error

	return tiers, err
}

func (r *TierRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Tier, error) {
	var tier models.Tier
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&tier).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &tier, nil
}

func (r *TierRepository) Update(ctx context.Context, tier *models.Tier) error {
	return r.db.DB.WithContext(ctx).Save(tier).Error
}

func (r *TierRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		Delete(&models.Tier{}).Error
}
