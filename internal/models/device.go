package models

import (
	"time"

	"gorm.io/gorm"
)

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "ONLINE"
	DeviceStatusOffline DeviceStatus = "OFFLINE"
	DeviceStatusUnknown DeviceStatus = "UNKNOWN"
)

type Device struct {
	gorm.Model
	DeviceID string       `gorm:"uniqueIndex;not null" json:"device_id"`
	Name     string       `json:"name"`
	Status   DeviceStatus `gorm:"type:varchar(10);not null;default:'UNKNOWN'" json:"status"`
	LastSeen time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"last_seen"`
	IsActive bool         `gorm:"not null;default:true" json:"is_active"`
}

func ParseDeviceStatus(raw string) DeviceStatus {
	switch raw {
	case "online", "ONLINE":
		return DeviceStatusOnline
	case "offline", "OFFLINE":
		return DeviceStatusOffline
	default:
		return DeviceStatusUnknown
	}
}
