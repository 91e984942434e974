package repositories

import (
	"context"

	"gorm.io/gorm"

	"elims-sync/internal/models"
)

type TemperatureRepository struct {
	db *gorm.DB
}

func NewTemperatureRepository(db *gorm.DB) *TemperatureRepository {
	return &TemperatureRepository{db: db}
}

func (r *TemperatureRepository) Create(ctx context.Context, reading *models.TemperatureReading) error {
	return r.db.WithContext(ctx).Create(reading).Error
}
