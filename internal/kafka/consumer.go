package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer is a reading source backed by a consumer group. The message key
// carries the device id and the value a reading payload.
type Consumer struct {
	reader messageReader
	topic  string
}

// NewConsumer creates a group consumer for topic
func NewConsumer(brokers []string, topic, groupID string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if topic == "" {
		return nil, errors.New("topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})

	return &Consumer{reader: reader, topic: topic}, nil
}

// Name identifies the source
func (c *Consumer) Name() string {
	return "kafka"
}

// Run fetches messages into out until ctx is done. A message is committed
// once it has been queued, so a full queue applies backpressure to the
// partition instead of dropping readings.
func (c *Consumer) Run(ctx context.Context, out chan<- models.RawMessage) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Str("topic", c.topic).Msg("consuming readings")

	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close reader")
		}
		log.Info().Str("topic", c.topic).Msg("consumer stopped")
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", c.topic, err)
		}

		metrics.ReadingsReceivedTotal.WithLabelValues(c.Name()).Inc()

		raw := models.RawMessage{
			Source:     c.Name(),
			Topic:      msg.Topic,
			DeviceID:   string(msg.Key),
			Payload:    msg.Value,
			ReceivedAt: time.Now().UTC(),
		}

		select {
		case out <- raw:
		case <-ctx.Done():
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit offset")
		}
	}
}
