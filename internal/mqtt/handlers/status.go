package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"elims-sync/internal/models"
	"elims-sync/internal/mqtt"
)

type statusPayload struct {
	Status string `json:"status"`
}

type deviceStatusUpdater interface {
	UpdateStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
}

// StatusHandler consumes devices/+/status, including the retained
// online / offline markers the devices publish alongside their will.
// The service publishes its own status under ownDeviceID; those
// messages match the same filter and are skipped so the backend never
// registers itself as a device.
type StatusHandler struct {
	deviceService deviceStatusUpdater
	ownDeviceID   string
	logger        zerolog.Logger
}

func NewStatusHandler(deviceService deviceStatusUpdater, ownDeviceID string, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		deviceService: deviceService,
		ownDeviceID:   ownDeviceID,
		logger:        logger.With().Str("handler", "status").Logger(),
	}
}

func (h *StatusHandler) Handle(ctx context.Context, msg *mqtt.Message) error {
	if msg.DeviceID == "" {
		return fmt.Errorf("status message on non-device topic %q", msg.Topic)
	}
	if msg.DeviceID == h.ownDeviceID {
		h.logger.Debug().Str("topic", msg.Topic).Msg("Ignoring own status message")
		return nil
	}

	var payload statusPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.logger.Error().Err(err).
			Str("topic", msg.Topic).
			Str("device_id", msg.DeviceID).
			Msg("Failed to parse status payload")
		return fmt.Errorf("invalid JSON: %w", err)
	}

	status := models.ParseDeviceStatus(payload.Status)
	if status == models.DeviceStatusUnknown {
		h.logger.Warn().
			Str("device_id", msg.DeviceID).
			Str("raw_status", payload.Status).
			Msg("Unrecognized device status")
	}

	h.logger.Info().
		Str("device_id", msg.DeviceID).
		Str("status", string(status)).
		Bool("retained", msg.Retained).
		Msg("Device status changed")

	return h.deviceService.UpdateStatus(ctx, msg.DeviceID, status)
}
