// Package storage keeps alert history.
package storage

import (
	"context"

	"edgewatch/internal/models"
)

// AlertStore persists emitted alerts and serves recent history
type AlertStore interface {
	SaveAlerts(ctx context.Context, envelopes []*models.Envelope) error
	RecentAlerts(ctx context.Context, deviceID string, limit int) ([]models.AlertEvent, error)
	Close() error
}

// Sink adapts an AlertStore to the emitter's sink interface
type Sink struct {
	name  string
	store AlertStore
}

// NewSink wraps store as an alert sink
func NewSink(name string, store AlertStore) *Sink {
	return &Sink{name: name, store: store}
}

// Name identifies the sink
func (s *Sink) Name() string {
	return s.name
}

// Publish stores one alert
func (s *Sink) Publish(ctx context.Context, envelope *models.Envelope) error {
	return s.store.SaveAlerts(ctx, []*models.Envelope{envelope})
}

// PublishBatch stores a batch of alerts
func (s *Sink) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	return s.store.SaveAlerts(ctx, envelopes)
}

// Close closes the underlying store
func (s *Sink) Close() error {
	return s.store.Close()
}
