package mqtt

import (
	"fmt"
	"strings"
)

// Topic namespace: devices/{device_id}/{message_class}. Telemetry and
// status flow device to backend, config, command and firmware flow
// backend to device.
const topicPrefix = "devices"

type MessageClass string

const (
	ClassTelemetry MessageClass = "telemetry"
	ClassStatus    MessageClass = "status"
	ClassConfig    MessageClass = "config"
	ClassCommand   MessageClass = "command"
	ClassFirmware  MessageClass = "firmware"
)

var messageClasses = map[MessageClass]struct{}{
	ClassTelemetry: {},
	ClassStatus:    {},
	ClassConfig:    {},
	ClassCommand:   {},
	ClassFirmware:  {},
}

func (c MessageClass) Valid() bool {
	_, ok := messageClasses[c]
	return ok
}

// ComposeTopic builds the canonical topic for a device and message class.
// Device identifiers must not contain topic separators or wildcard
// characters; that is a construction-time error, never deferred to the
// broker.
func ComposeTopic(deviceID string, class MessageClass) (string, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return "", err
	}
	if !class.Valid() {
		return "", fmt.Errorf("%w: unknown message class %q", ErrParseTopic, class)
	}
	return fmt.Sprintf("%s/%s/%s", topicPrefix, deviceID, class), nil
}

// ParseTopic is the inverse of ComposeTopic.
func ParseTopic(topic string) (deviceID string, class MessageClass, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix {
		return "", "", fmt.Errorf("%w: %q", ErrParseTopic, topic)
	}
	deviceID = parts[1]
	if ValidateDeviceID(deviceID) != nil {
		return "", "", fmt.Errorf("%w: %q", ErrParseTopic, topic)
	}
	class = MessageClass(parts[2])
	if !class.Valid() {
		return "", "", fmt.Errorf("%w: unknown message class in %q", ErrParseTopic, topic)
	}
	return deviceID, class, nil
}

// ClassFilter returns the subscription filter matching one message class
// across all devices, e.g. devices/+/telemetry.
func ClassFilter(class MessageClass) string {
	return fmt.Sprintf("%s/+/%s", topicPrefix, class)
}

// DeviceFilter returns the subscription filter matching every message
// class of a single device.
func DeviceFilter(deviceID string) (string, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/#", topicPrefix, deviceID), nil
}

func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if strings.ContainsAny(deviceID, "/+#") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidDeviceID, deviceID)
	}
	return nil
}

// ValidateFilter checks a subscription filter: non-empty levels may be a
// literal, "+" matches exactly one level, and "#" is only legal as the
// final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "#" && i != len(levels)-1 {
			return fmt.Errorf("%w: %q has '#' before the final level", ErrInvalidFilter, filter)
		}
		if level != "+" && level != "#" && strings.ContainsAny(level, "+#") {
			return fmt.Errorf("%w: %q mixes wildcards into a level", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// MatchTopic reports whether an inbound topic matches a subscription
// filter under the protocol's hierarchical wildcard rules.
func MatchTopic(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, level := range filterLevels {
		if level == "#" {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
