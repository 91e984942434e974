package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type TemperatureReading struct {
	gorm.Model
	DeviceID    string    `gorm:"index;not null" json:"device_id"`
	Temperature float64   `gorm:"not null" json:"temperature"`
	MeasuredAt  time.Time `gorm:"not null" json:"measured_at"`
	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`
}

func (r *TemperatureReading) ToInfluxTags() map[string]string {
	return map[string]string{
		"device_id": r.DeviceID,
	}
}

func (r *TemperatureReading) ToInfluxFields() map[string]interface{} {
	return map[string]interface{}{
		"temperature": r.Temperature,
	}
}

// TelemetryPayload is the JSON body devices publish on their telemetry
// topic. Timestamps arrive either as Unix seconds or RFC 3339 strings,
// depending on the device firmware.
type TelemetryPayload struct {
	Temperature float64  `json:"temperature"`
	Timestamp   FlexTime `json:"timestamp"`
}

func (p *TelemetryPayload) Validate() error {
	if p.Temperature < -273.15 {
		return fmt.Errorf("temperature %g below absolute zero", p.Temperature)
	}
	return nil
}

// FlexTime unmarshals either a Unix timestamp (seconds, possibly
// fractional) or an RFC 3339 string.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	var unix float64
	if err := json.Unmarshal(data, &unix); err == nil {
		sec := int64(unix)
		nsec := int64((unix - float64(sec)) * float64(time.Second))
		t.Time = time.Unix(sec, nsec).UTC()
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a number or string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
