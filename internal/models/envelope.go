package models

import (
	"time"
)

// Envelope wraps an AlertEvent with internal metadata for delivery
type Envelope struct {
	// Alert being delivered
	Alert *AlertEvent `json:"alert"`

	// Internal delivery metadata
	EmittedAt    time.Time `json:"emitted_at"`
	Node         string    `json:"node"`
	RetryCount   int       `json:"retry_count"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping an alert
func NewEnvelope(alert *AlertEvent, node string) *Envelope {
	return &Envelope{
		Alert:        alert,
		EmittedAt:    time.Now().UTC(),
		Node:         node,
		RetryCount:   0,
		PartitionKey: alert.DeviceID, // partition by device for ordering
	}
}
