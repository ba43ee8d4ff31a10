package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertKind tells subscribers which detector raised the alert
type AlertKind string

const (
	AlertKindThreshold AlertKind = "threshold"
	AlertKindPattern   AlertKind = "pattern"
)

// AlertEvent is emitted once per permitted anomaly. Subscribers parse it
// without any coordination beyond its JSON field names.
type AlertEvent struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Metric    Metric    `json:"metric"`
	Band      Band      `json:"band"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Kind      AlertKind `json:"kind"`
	Streak    int       `json:"streak"`
}

// NewThresholdAlert builds the alert for a reading that left its normal range
func NewThresholdAlert(r SensorReading, band Band, streak int, detail string) *AlertEvent {
	return &AlertEvent{
		ID:        uuid.New().String(),
		DeviceID:  r.DeviceID,
		Metric:    r.Metric,
		Band:      band,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		Reason: fmt.Sprintf("%s %s: %s at %g (%s), %d consecutive anomalous reading(s)",
			band, r.Metric, r.Metric, r.Value, detail, streak),
		Kind:   AlertKindThreshold,
		Streak: streak,
	}
}
