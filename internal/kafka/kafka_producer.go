package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"edgewatch/internal/config"
	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize alert")
)

const sinkName = "kafka"

// messageWriter is the part of *kafka.Writer the producer drives
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is an alert sink writing alerts to a Kafka topic keyed by device.
// Writes go through a small pool of writers and are retried with
// exponential backoff.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []messageWriter
	pool    chan messageWriter
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates a producer with cfg.PoolSize writers for topic
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	writers := make([]messageWriter, cfg.PoolSize)
	for i := range writers {
		writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression(cfg.Compression),
			// retries are driven by writeWithRetry so they show up in metrics
			MaxAttempts: 1,
		}
	}
	return newProducer(topic, cfg, writers), nil
}

func newProducer(topic string, cfg config.ProducerConfig, writers []messageWriter) *Producer {
	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: writers,
		pool:    make(chan messageWriter, len(writers)),
	}
	for _, w := range writers {
		p.pool <- w
	}
	return p
}

// Name identifies the sink
func (p *Producer) Name() string {
	return sinkName
}

func compression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// newMessage keys the message by device so one device's alerts stay on
// one partition in order. The value is the alert itself; delivery
// metadata travels in headers.
func newMessage(envelope *models.Envelope, data []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(envelope.PartitionKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "device_id", Value: []byte(envelope.Alert.DeviceID)},
			{Key: "alert_id", Value: []byte(envelope.Alert.ID)},
			{Key: "band", Value: []byte(envelope.Alert.Band.String())},
			{Key: "node", Value: []byte(envelope.Node)},
			{Key: "retry_count", Value: []byte(strconv.Itoa(envelope.RetryCount))},
		},
		Time: envelope.EmittedAt,
	}
}

// encode turns envelopes into messages, skipping alerts that cannot be
// serialized
func (p *Producer) encode(envelopes []*models.Envelope) []kafka.Message {
	messages := make([]kafka.Message, 0, len(envelopes))
	for _, envelope := range envelopes {
		data, err := json.Marshal(envelope.Alert)
		if err != nil {
			log := logger.WithComponent("kafka_producer")
			log.Error().
				Err(fmt.Errorf("%w: %v", ErrSerializeFailed, err)).
				Str("alert_id", envelope.Alert.ID).
				Msg("dropping alert")
			metrics.SinkEncodeFailures.WithLabelValues(sinkName).Inc()
			p.messagesFailed.Add(1)
			continue
		}
		messages = append(messages, newMessage(envelope, data))
	}
	return messages
}

// Publish writes a single alert
func (p *Producer) Publish(ctx context.Context, envelope *models.Envelope) error {
	return p.PublishBatch(ctx, []*models.Envelope{envelope})
}

// PublishBatch writes envelopes in one request
func (p *Producer) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	messages := p.encode(envelopes)
	if len(messages) == 0 {
		return nil
	}

	writer, release, err := p.acquire(ctx)
	if err != nil {
		p.messagesFailed.Add(uint64(len(messages)))
		return err
	}
	defer release()

	if err := p.writeWithRetry(ctx, writer, messages); err != nil {
		p.messagesFailed.Add(uint64(len(messages)))
		return err
	}

	var size uint64
	for _, msg := range messages {
		size += uint64(len(msg.Value))
	}
	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(size)
	metrics.SinkBytesWritten.WithLabelValues(sinkName).Add(float64(size))
	return nil
}

// acquire takes a writer from the pool; release puts it back
func (p *Producer) acquire(ctx context.Context) (messageWriter, func(), error) {
	select {
	case w := <-p.pool:
		return w, func() { p.pool <- w }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// writeWithRetry retries failed writes with exponential backoff, up to
// cfg.MaxRetries extra attempts. Context errors are not retried.
func (p *Producer) writeWithRetry(ctx context.Context, writer messageWriter, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	start := time.Now()
	defer func() {
		metrics.SinkWriteDuration.WithLabelValues(sinkName).Observe(time.Since(start).Seconds())
	}()

	backoff := p.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.SinkPublishRetries.WithLabelValues(sinkName).Inc()
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			log.Debug().
				Int("batch_size", len(messages)).
				Int("attempts", attempt+1).
				Dur("duration", time.Since(start)).
				Msg("alerts written to kafka")
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(messages)).
			Msg("kafka write failed")
	}

	return fmt.Errorf("kafka write failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes every writer. Later calls are no-ops.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// Stats returns producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// HealthCheck reports whether the producer is open and a writer frees up
// before ctx ends
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	_, release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}
