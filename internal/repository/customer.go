package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CustomerRepository struct {
	db *storage.Postgres
}

func NewCustomerRepository(db *storage.Postgres) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) Create(ctx context.Context, customer *models.Customer) error {
	return r.db.DB.WithContext(ctx).
		Omit("Tier").
		Create(customer).Error
}

// Retrieves every customer with its tier preloaded
func (r *CustomerRepository) ListAll(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	err := r.db.DB.WithContext(ctx).
		Preload("Tier").
		Order("name ASC").
		Find(&customers).Error

	return customers, err
}

func (r *CustomerRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.DB.WithContext(ctx).
		Preload("Tier").
		Where("id = ?", id).
		First(&customer).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &customer, nil
}

func (r *CustomerRepository) Update(ctx context.Context, customer *models.Customer) error {
	return r.db.DB.WithContext(ctx).
		Omit("Tier").
		Save(customer).Error
}

func (r *CustomerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		Delete(&models.Customer{}).Error
}

func (r *CustomerRepository) CountByTier(ctx context.Context, tierID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.Customer{}).
		Where("tier_id = ?", tierID).
		Count(&count).Error

	return count, err
}
