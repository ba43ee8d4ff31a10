package mqtt

import (
	"strings"

	"edgewatch/internal/models"
)

// DeviceSegment returns the index of the first single-level wildcard in a
// subscription filter, or -1 when it has none. The device id of a matching
// topic is found at that index.
func DeviceSegment(filter string) int {
	for i, part := range strings.Split(filter, "/") {
		if part == "+" {
			return i
		}
	}
	return -1
}

// DeviceIDFromTopic extracts the device id at segment index
// Example: "te/device/pump1/m/sensors" with index 2 -> "pump1"
func DeviceIDFromTopic(topic string, index int) string {
	if index < 0 {
		return ""
	}
	parts := strings.Split(topic, "/")
	if index >= len(parts) {
		return ""
	}
	return parts[index]
}

// FormatAlertTopic fills {device_id}, {kind} and {metric} from alert
func FormatAlertTopic(pattern string, alert *models.AlertEvent) string {
	return strings.NewReplacer(
		"{device_id}", alert.DeviceID,
		"{kind}", string(alert.Kind),
		"{metric}", string(alert.Metric),
	).Replace(pattern)
}
