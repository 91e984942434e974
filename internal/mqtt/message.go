package mqtt

import (
	"time"
	"unicode/utf8"
)

// Message is an inbound broker message after topic resolution. DeviceID
// and Class are empty when the topic does not follow the device
// namespace; the raw topic is always present.
type Message struct {
	Topic      string
	DeviceID   string
	Class      MessageClass
	Payload    []byte
	Retained   bool
	ReceivedAt time.Time
}

const maxLoggedPayload = 100

// sanitizePayload renders a payload for logging: binary data is replaced
// by a size marker and long text is truncated.
func sanitizePayload(payload []byte) string {
	if !utf8.Valid(payload) {
		return "<binary data>"
	}
	if len(payload) > maxLoggedPayload {
		return string(payload[:maxLoggedPayload]) + "..."
	}
	return string(payload)
}
