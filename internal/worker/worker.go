package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

// Publisher delivers alert envelopes to a sink
type Publisher interface {
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
}

// PartialFailure is implemented by batch errors from publishers that
// deliver to several destinations. Retries go to RetryPublisher, which
// covers only the destinations that failed.
type PartialFailure interface {
	error
	RetryPublisher() Publisher
}

// Pool manages workers that drain the alert queue into a publisher
type Pool struct {
	publisher      Publisher
	envelopeChan   <-chan *models.Envelope
	workers        int
	batchSize      int
	batchTimeout   time.Duration
	publishTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher      Publisher
	EnvelopeChan   <-chan *models.Envelope
	Workers        int
	BatchSize      int
	BatchTimeout   time.Duration
	PublishTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:      cfg.Publisher,
		envelopeChan:   cfg.EnvelopeChan,
		workers:        cfg.Workers,
		batchSize:      cfg.BatchSize,
		batchTimeout:   cfg.BatchTimeout,
		publishTimeout: cfg.PublishTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops all workers. Envelopes already queued are flushed before the
// workers exit.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// Wait blocks until the workers exit after the envelope channel is closed.
// If ctx ends first the pool is stopped and ctx.Err is returned.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// worker processes envelopes from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]*models.Envelope, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.publishBatch(p.drain(batch))
			return

		case envelope, ok := <-p.envelopeChan:
			if !ok {
				// Channel closed, flush and exit
				p.publishBatch(batch)
				return
			}

			batch = append(batch, envelope)

			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// drain appends whatever is still buffered in the channel without blocking
func (p *Pool) drain(batch []*models.Envelope) []*models.Envelope {
	for {
		select {
		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return batch
			}
			batch = append(batch, envelope)
		default:
			return batch
		}
	}
}

// publishBatch publishes a batch of envelopes. Publish contexts are not
// derived from the pool context so a final flush still goes out after Stop.
func (p *Pool) publishBatch(batch []*models.Envelope) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)

	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish alert batch")

		// Fallback: retry individually, only where delivery failed
		retry := p.publisher
		var partial PartialFailure
		if errors.As(err, &partial) {
			retry = partial.RetryPublisher()
		}
		p.publishIndividually(retry, batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("alert batch published")

	p.processed.Add(uint64(len(batch)))
	metrics.WorkerProcessedTotal.Add(float64(len(batch)))
}

// publishIndividually retries each envelope of a failed batch on its own
func (p *Pool) publishIndividually(publisher Publisher, batch []*models.Envelope) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, envelope := range batch {
		envelope.RetryCount++

		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout/2)
		err := publisher.Publish(ctx, envelope)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("alert_id", envelope.Alert.ID).
				Str("device_id", envelope.Alert.DeviceID).
				Msg("failed to publish alert individually")

			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			continue
		}

		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}
