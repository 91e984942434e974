package mqtt

import "errors"

// Errors returned by the messaging layer. Check with errors.Is; most are
// wrapped with additional context before being returned.
var (
	// ErrNotConnected is returned when an operation requires a live session
	// and publish queueing is disabled.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed covers transient connect failures (DNS, TCP,
	// broker unavailable). The reconnect loop retries these.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrAuthFailed is returned when the broker refuses the credentials.
	// It is not retried; the reconnect loop stops on it.
	ErrAuthFailed = errors.New("mqtt: authentication failed")

	// ErrTLSFailed is returned when the TLS handshake or certificate
	// loading fails.
	ErrTLSFailed = errors.New("mqtt: TLS failure")

	// ErrPublishTimeout is returned when a QoS 1/2 publish is not
	// acknowledged within the configured timeout. The caller decides
	// whether to retry; the layer never replays publishes on its own.
	ErrPublishTimeout = errors.New("mqtt: publish not acknowledged in time")

	// ErrClientClosed is returned from operations interrupted by Disconnect.
	ErrClientClosed = errors.New("mqtt: client closed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidDeviceID is returned when a device identifier contains a
	// reserved character (/, +, #) or is empty.
	ErrInvalidDeviceID = errors.New("mqtt: invalid device identifier")

	// ErrInvalidFilter is returned for malformed subscription filters.
	ErrInvalidFilter = errors.New("mqtt: invalid topic filter")

	// ErrParseTopic is returned when an inbound topic does not follow the
	// devices/{device_id}/{message_class} convention.
	ErrParseTopic = errors.New("mqtt: topic does not match device namespace")

	ErrInvalidQoS      = errors.New("mqtt: QoS must be 0, 1, or 2")
	ErrPayloadTooLarge = errors.New("mqtt: payload exceeds maximum size")
)
