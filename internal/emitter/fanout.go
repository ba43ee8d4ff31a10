package emitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
	"edgewatch/internal/worker"
)

// Sink is an alert destination
type Sink interface {
	worker.Publisher
	Name() string
	Close() error
}

// Fanout publishes every envelope to each sink. Any sink failure yields a
// *SinkError naming the failed sinks, so the worker retries those alone
// and healthy sinks never see duplicates.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a fan-out publisher
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Sinks returns the configured sink names
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish sends one envelope to every sink
func (f *Fanout) Publish(ctx context.Context, envelope *models.Envelope) error {
	return f.each(1, func(s Sink) error {
		return s.Publish(ctx, envelope)
	})
}

// PublishBatch sends a batch to every sink
func (f *Fanout) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	return f.each(len(envelopes), func(s Sink) error {
		return s.PublishBatch(ctx, envelopes)
	})
}

// SinkError reports the sinks that failed a publish
type SinkError struct {
	Failed []Sink
	Err    error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%d of the alert sinks failed: %v", len(e.Failed), e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// RetryPublisher fans out to the failed sinks only
func (e *SinkError) RetryPublisher() worker.Publisher {
	return NewFanout(e.Failed...)
}

func (f *Fanout) each(count int, publish func(Sink) error) error {
	if len(f.sinks) == 0 {
		return nil
	}

	var errs []error
	var failed []Sink
	for _, s := range f.sinks {
		start := time.Now()
		err := publish(s)
		metrics.SinkPublishDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.SinkPublishTotal.WithLabelValues(s.Name(), "failed").Add(float64(count))
			log := logger.WithComponent("fanout")
			log.Error().
				Err(err).
				Str("sink", s.Name()).
				Int("count", count).
				Msg("sink publish failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			failed = append(failed, s)
			continue
		}
		metrics.SinkPublishTotal.WithLabelValues(s.Name(), "success").Add(float64(count))
	}

	if len(failed) > 0 {
		return &SinkError{Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}

// Close closes every sink
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
