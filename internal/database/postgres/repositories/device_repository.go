package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"elims-sync/internal/models"
)

type DeviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) UpsertStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	now := time.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Device
		result := tx.Where("device_id = ?", deviceID).First(&existing)

		if result.Error == nil {
			return tx.Model(&existing).Updates(map[string]interface{}{
				"status":    status,
				"last_seen": now,
				"is_active": status != models.DeviceStatusOffline,
			}).Error
		}

		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return tx.Create(&models.Device{
				DeviceID: deviceID,
				Name:     deviceID,
				Status:   status,
				LastSeen: now,
				IsActive: status != models.DeviceStatusOffline,
			}).Error
		}

		return result.Error
	})
}

func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, deviceID string) error {
	return r.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("last_seen", time.Now()).Error
}

func (r *DeviceRepository) MarkInactiveDevices(ctx context.Context, timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout)
	return r.db.WithContext(ctx).Model(&models.Device{}).
		Where("last_seen < ? AND is_active = ?", cutoff, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"status":    models.DeviceStatusUnknown,
		}).Error
}
