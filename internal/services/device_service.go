package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"elims-sync/internal/models"
	"elims-sync/internal/mqtt"
)

type deviceStore interface {
	UpsertStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
	MarkInactiveDevices(ctx context.Context, timeout time.Duration) error
}

type devicePublisher interface {
	PublishWithOptions(deviceID string, class mqtt.MessageClass, payload interface{}, qos byte, retain bool) error
}

// DeviceService maintains the device registry and carries the outbound
// path: config, command and firmware messages submitted by the API layer
// are published to the device's topics. QoS 1/2 timeouts surface to the
// caller; they are retryable there, never replayed here.
type DeviceService struct {
	deviceRepository deviceStore
	publisher        devicePublisher
	logger           zerolog.Logger
}

func NewDeviceService(
	deviceRepository deviceStore,
	publisher devicePublisher,
	logger zerolog.Logger,
) *DeviceService {
	return &DeviceService{
		deviceRepository: deviceRepository,
		publisher:        publisher,
		logger:           logger.With().Str("component", "device-service").Logger(),
	}
}

func (s *DeviceService) UpdateStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	if err := s.deviceRepository.UpsertStatus(ctx, deviceID, status); err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}

	s.logger.Info().
		Str("device_id", deviceID).
		Str("status", string(status)).
		Msg("Device status updated")
	return nil
}

// SendCommand publishes a command to a device at QoS 1.
func (s *DeviceService) SendCommand(deviceID string, command interface{}) error {
	return s.publish(deviceID, mqtt.ClassCommand, command, false)
}

// SendConfig publishes a device configuration, retained so a device
// picks it up on its next connect.
func (s *DeviceService) SendConfig(deviceID string, config interface{}) error {
	return s.publish(deviceID, mqtt.ClassConfig, config, true)
}

// SendFirmware publishes a firmware descriptor, retained.
func (s *DeviceService) SendFirmware(deviceID string, descriptor interface{}) error {
	return s.publish(deviceID, mqtt.ClassFirmware, descriptor, true)
}

func (s *DeviceService) publish(deviceID string, class mqtt.MessageClass, payload interface{}, retain bool) error {
	if err := s.publisher.PublishWithOptions(deviceID, class, payload, 1, retain); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", class, deviceID, err)
	}

	s.logger.Info().
		Str("device_id", deviceID).
		Str("class", string(class)).
		Msg("Message sent to device")
	return nil
}

// MarkStaleDevices flags devices that have not reported within the
// timeout window. Called periodically from the main loop.
func (s *DeviceService) MarkStaleDevices(ctx context.Context, timeout time.Duration) error {
	return s.deviceRepository.MarkInactiveDevices(ctx, timeout)
}
