package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"elims-sync/internal/models"
	"elims-sync/internal/mqtt"
)

type telemetryStore interface {
	Store(ctx context.Context, deviceID string, payload *models.TelemetryPayload, receivedAt time.Time) error
}

// TelemetryHandler consumes devices/+/telemetry and hands parsed
// readings to the telemetry service.
type TelemetryHandler struct {
	telemetryService telemetryStore
	logger           zerolog.Logger
}

func NewTelemetryHandler(telemetryService telemetryStore, logger zerolog.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		telemetryService: telemetryService,
		logger:           logger.With().Str("handler", "telemetry").Logger(),
	}
}

func (h *TelemetryHandler) Handle(ctx context.Context, msg *mqtt.Message) error {
	if msg.DeviceID == "" {
		return fmt.Errorf("telemetry message on non-device topic %q", msg.Topic)
	}

	var payload models.TelemetryPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.logger.Error().Err(err).
			Str("topic", msg.Topic).
			Str("device_id", msg.DeviceID).
			Msg("Failed to parse telemetry payload")
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry from %s: %w", msg.DeviceID, err)
	}
	// Devices without a clock omit the timestamp.
	if payload.Timestamp.IsZero() {
		payload.Timestamp = models.FlexTime{Time: msg.ReceivedAt}
	}

	h.logger.Info().
		Str("device_id", msg.DeviceID).
		Float64("temperature", payload.Temperature).
		Msg("Telemetry received")

	return h.telemetryService.Store(ctx, msg.DeviceID, &payload, msg.ReceivedAt)
}
