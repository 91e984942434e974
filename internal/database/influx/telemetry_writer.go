package influx

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"

	"elims-sync/internal/models"
)

type TelemetryWriter struct {
	writeAPI api.WriteAPI
	logger   zerolog.Logger
}

func NewTelemetryWriter(writeAPI api.WriteAPI, logger zerolog.Logger) *TelemetryWriter {
	return &TelemetryWriter{
		writeAPI: writeAPI,
		logger:   logger,
	}
}

func (w *TelemetryWriter) WriteReading(ctx context.Context, reading *models.TemperatureReading) error {
	point := influxdb2.NewPoint(
		"temperature",
		reading.ToInfluxTags(),
		reading.ToInfluxFields(),
		reading.MeasuredAt,
	)

	w.writeAPI.WritePoint(point)

	w.logger.Debug().
		Str("device_id", reading.DeviceID).
		Float64("temperature", reading.Temperature).
		Msg("Added temperature reading to InfluxDB")

	return nil
}
