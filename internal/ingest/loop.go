package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

// Source produces raw reading messages until its context ends
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- models.RawMessage) error
}

// Evaluator classifies one reading and returns the alert it raised, if any
type Evaluator interface {
	Evaluate(r models.SensorReading) (*models.AlertEvent, error)
}

// PatternObserver inspects the readings of one message across metrics
type PatternObserver interface {
	Observe(readings []models.SensorReading) []*models.AlertEvent
}

// Emitter delivers alerts without blocking
type Emitter interface {
	Emit(alert *models.AlertEvent) error
}

// Loop moves messages from sources through evaluation to the emitter.
// Messages are partitioned by device onto a fixed set of workers so each
// device's readings are evaluated in arrival order while different devices
// run in parallel.
type Loop struct {
	sources   []Source
	evaluator Evaluator
	patterns  PatternObserver
	emitter   Emitter

	inbound chan models.RawMessage
	workers []chan work

	received  atomic.Uint64
	evaluated atomic.Uint64
	malformed atomic.Uint64
	unknown   atomic.Uint64
	alerts    atomic.Uint64
}

// Config holds ingestion loop configuration
type Config struct {
	Sources   []Source
	Evaluator Evaluator
	Patterns  PatternObserver // optional
	Emitter   Emitter
	Workers   int
	QueueSize int
}

type work struct {
	msg      models.RawMessage
	readings []models.SensorReading
	err      error
}

// NewLoop creates an ingestion loop
func NewLoop(cfg Config) *Loop {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	workers := make([]chan work, cfg.Workers)
	perWorker := cfg.QueueSize / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	for i := range workers {
		workers[i] = make(chan work, perWorker)
	}

	return &Loop{
		sources:   cfg.Sources,
		evaluator: cfg.Evaluator,
		patterns:  cfg.Patterns,
		emitter:   cfg.Emitter,
		inbound:   make(chan models.RawMessage, cfg.QueueSize),
		workers:   workers,
	}
}

// Inbound returns the queue push-style producers write to
func (l *Loop) Inbound() chan<- models.RawMessage {
	return l.inbound
}

// Run starts sources and workers and blocks until ctx is done. On return
// every source has stopped and every queued message has been evaluated.
func (l *Loop) Run(ctx context.Context) error {
	log := logger.WithComponent("ingest")
	log.Info().
		Int("sources", len(l.sources)).
		Int("workers", len(l.workers)).
		Int("queue_size", cap(l.inbound)).
		Msg("starting ingest loop")

	var workerWG sync.WaitGroup
	for i, ch := range l.workers {
		workerWG.Add(1)
		go func(id int, ch <-chan work) {
			defer workerWG.Done()
			l.worker(id, ch)
		}(i, ch)
	}

	var sourceWG sync.WaitGroup
	for _, src := range l.sources {
		sourceWG.Add(1)
		go func(src Source) {
			defer sourceWG.Done()
			if err := src.Run(ctx, l.inbound); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("source", src.Name()).Msg("source stopped with error")
			}
		}(src)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg := <-l.inbound:
			l.dispatch(msg)
		}
	}

	log.Info().Msg("stopping ingest loop")
	sourceWG.Wait()

	// Drain what the sources queued before they stopped
	for drained := false; !drained; {
		select {
		case msg := <-l.inbound:
			l.dispatch(msg)
		default:
			drained = true
		}
	}

	for _, ch := range l.workers {
		close(ch)
	}
	workerWG.Wait()
	metrics.IngestQueueSize.Set(0)

	stats := l.Stats()
	log.Info().
		Uint64("received", stats.Received).
		Uint64("evaluated", stats.Evaluated).
		Uint64("malformed", stats.Malformed).
		Uint64("unknown_metric", stats.UnknownMetric).
		Uint64("alerts", stats.Alerts).
		Msg("ingest loop stopped")

	return nil
}

// dispatch routes a message to the worker owning its device. Messages that
// name the device only in the payload are decoded here to find it.
func (l *Loop) dispatch(msg models.RawMessage) {
	l.received.Add(1)
	metrics.IngestQueueSize.Set(float64(len(l.inbound)))

	w := work{msg: msg}
	deviceID := msg.DeviceID
	if deviceID == "" {
		w.readings, w.err = models.DecodeReadings("", msg.Payload, msg.ReceivedAt)
		if w.err == nil {
			deviceID = w.readings[0].DeviceID
		}
	}

	l.workers[partition(deviceID, len(l.workers))] <- w
}

func partition(deviceID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(n))
}

func (l *Loop) worker(id int, ch <-chan work) {
	log := logger.WithComponent("ingest_worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for w := range ch {
		l.process(w)
	}
}

// process evaluates one message. A failure is contained to the message.
func (l *Loop) process(w work) {
	log := logger.WithDevice("ingest", w.msg.DeviceID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("source", w.msg.Source).
				Msg("panic while processing message")
			metrics.PanicsRecovered.WithLabelValues("ingest").Inc()
		}
	}()

	readings, err := w.readings, w.err
	if readings == nil && err == nil {
		readings, err = models.DecodeReadings(w.msg.DeviceID, w.msg.Payload, w.msg.ReceivedAt)
	}
	if err != nil {
		l.malformed.Add(1)
		metrics.ReadingsDroppedTotal.WithLabelValues("malformed").Inc()
		log.Warn().
			Err(err).
			Str("source", w.msg.Source).
			Str("topic", w.msg.Topic).
			Msg("dropping malformed message")
		return
	}

	known := make([]models.SensorReading, 0, len(readings))
	for _, r := range readings {
		alert, err := l.evaluator.Evaluate(r)
		if err != nil {
			if errors.Is(err, models.ErrUnknownMetric) {
				l.unknown.Add(1)
				metrics.ReadingsDroppedTotal.WithLabelValues("unknown_metric").Inc()
				log.Warn().Str("metric", string(r.Metric)).Msg("dropping reading for unknown metric")
			} else {
				log.Error().Err(err).Str("metric", string(r.Metric)).Msg("evaluation failed")
			}
			continue
		}

		l.evaluated.Add(1)
		known = append(known, r)
		l.emit(alert)
	}

	if l.patterns != nil && len(known) > 0 {
		for _, alert := range l.patterns.Observe(known) {
			l.emit(alert)
		}
	}
}

func (l *Loop) emit(alert *models.AlertEvent) {
	if alert == nil {
		return
	}
	l.alerts.Add(1)
	// Emit logs and counts its own drops
	_ = l.emitter.Emit(alert)
}

// Stats returns loop statistics
func (l *Loop) Stats() Stats {
	return Stats{
		Received:      l.received.Load(),
		Evaluated:     l.evaluated.Load(),
		Malformed:     l.malformed.Load(),
		UnknownMetric: l.unknown.Load(),
		Alerts:        l.alerts.Load(),
		QueueSize:     len(l.inbound),
	}
}

// Stats holds ingestion loop metrics
type Stats struct {
	Received      uint64 `json:"received"`
	Evaluated     uint64 `json:"evaluated"`
	Malformed     uint64 `json:"malformed"`
	UnknownMetric uint64 `json:"unknown_metric"`
	Alerts        uint64 `json:"alerts"`
	QueueSize     int    `json:"queue_size"`
}
