package repository

import (
	"context"

	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/storage"
)

type UsageRepository struct {
	db *storage.Postgres
}

func NewUsageRepository(db *storage.Postgres) *UsageRepository {
	return &UsageRepository{db: db}
}

// Inserts one usage row. Rows are never updated afterwards
func (r *UsageRepository) SaveUsageStats(ctx context.Context, stats *models.UsageStats) error {
	return r.db.DB.WithContext(ctx).
		Omit("Customer").
		Create(stats).Error
}
