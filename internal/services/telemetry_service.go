package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"elims-sync/internal/database/influx"
	"elims-sync/internal/database/postgres/repositories"
	"elims-sync/internal/models"
)

// TelemetryService persists decoded telemetry: a relational row for the
// dashboard and a time-series point for charting. Writes are idempotent
// at the storage layer; duplicates from QoS 1 redelivery are tolerated.
type TelemetryService struct {
	temperatureRepository *repositories.TemperatureRepository
	deviceRepository      *repositories.DeviceRepository
	telemetryWriter       *influx.TelemetryWriter
	logger                zerolog.Logger
}

func NewTelemetryService(
	temperatureRepository *repositories.TemperatureRepository,
	deviceRepository *repositories.DeviceRepository,
	telemetryWriter *influx.TelemetryWriter,
	logger zerolog.Logger,
) *TelemetryService {
	return &TelemetryService{
		temperatureRepository: temperatureRepository,
		deviceRepository:      deviceRepository,
		telemetryWriter:       telemetryWriter,
		logger:                logger.With().Str("component", "telemetry-service").Logger(),
	}
}

func (s *TelemetryService) Store(ctx context.Context, deviceID string, payload *models.TelemetryPayload, receivedAt time.Time) error {
	reading := &models.TemperatureReading{
		DeviceID:    deviceID,
		Temperature: payload.Temperature,
		MeasuredAt:  payload.Timestamp.Time,
		ReceivedAt:  receivedAt,
	}

	if err := s.temperatureRepository.Create(ctx, reading); err != nil {
		return fmt.Errorf("storing temperature reading: %w", err)
	}

	if err := s.telemetryWriter.WriteReading(ctx, reading); err != nil {
		return fmt.Errorf("writing temperature point: %w", err)
	}

	if err := s.deviceRepository.UpdateLastSeen(ctx, deviceID); err != nil {
		s.logger.Warn().Err(err).
			Str("device_id", deviceID).
			Msg("Failed to update device last seen")
	}

	s.logger.Debug().
		Str("device_id", deviceID).
		Float64("temperature", payload.Temperature).
		Time("measured_at", payload.Timestamp.Time).
		Msg("Telemetry stored")

	return nil
}
