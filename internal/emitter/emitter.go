package emitter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
	"edgewatch/internal/worker"
)

// Emitter hands alerts to sinks without ever blocking the evaluation path.
// Alerts go into a bounded queue drained by a worker pool; when the queue
// is full the alert is dropped and counted.
type Emitter struct {
	queue chan *models.Envelope
	pool  *worker.Pool
	node  string

	mu     sync.RWMutex
	closed bool

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// Config holds emitter configuration
type Config struct {
	Publisher    worker.Publisher
	Node         string
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// New creates an emitter and starts its worker pool
func New(cfg Config) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	queue := make(chan *models.Envelope, cfg.QueueSize)
	pool := worker.NewPool(worker.Config{
		Publisher:    cfg.Publisher,
		EnvelopeChan: queue,
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	})
	pool.Start()

	metrics.EmitterQueueCapacity.Set(float64(cfg.QueueSize))

	return &Emitter{
		queue: queue,
		pool:  pool,
		node:  cfg.Node,
	}
}

// Emit queues an alert for delivery. It returns ErrTransportUnavailable
// when the alert was dropped; the caller carries on either way.
func (e *Emitter) Emit(alert *models.AlertEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return e.drop(alert, "emitter closed")
	}

	select {
	case e.queue <- models.NewEnvelope(alert, e.node):
		e.emitted.Add(1)
		metrics.EmitterQueueSize.Set(float64(len(e.queue)))
		return nil
	default:
		return e.drop(alert, "emitter queue full")
	}
}

func (e *Emitter) drop(alert *models.AlertEvent, reason string) error {
	e.dropped.Add(1)
	metrics.EmitterDroppedTotal.Inc()

	log := logger.WithDevice("emitter", alert.DeviceID)

	log.Warn().
		Err(models.ErrTransportUnavailable).
		Str("alert_id", alert.ID).
		Str("metric", string(alert.Metric)).
		Str("band", alert.Band.String()).
		Msg(reason)

	return fmt.Errorf("%w: %s", models.ErrTransportUnavailable, reason)
}

// Close stops accepting alerts and waits for queued ones to be delivered.
// If ctx ends first the remaining queue is flushed once and abandoned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	err := e.pool.Wait(ctx)
	metrics.EmitterQueueSize.Set(0)

	log := logger.WithComponent("emitter")

	log.Info().
		Uint64("emitted", e.emitted.Load()).
		Uint64("dropped", e.dropped.Load()).
		Msg("emitter closed")

	return err
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	return Stats{
		Emitted:       e.emitted.Load(),
		Dropped:       e.dropped.Load(),
		QueueSize:     len(e.queue),
		QueueCapacity: cap(e.queue),
		Workers:       e.pool.Stats(),
	}
}

// Stats holds emitter metrics
type Stats struct {
	Emitted       uint64       `json:"emitted"`
	Dropped       uint64       `json:"dropped"`
	QueueSize     int          `json:"queue_size"`
	QueueCapacity int          `json:"queue_capacity"`
	Workers       worker.Stats `json:"workers"`
}
