package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

type subscribeClient interface {
	Subscribe(topic string, qos byte, handler paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// Subscriber feeds reading messages from the broker into the ingest queue
type Subscriber struct {
	client      subscribeClient
	topic       string
	qos         byte
	segment     int
	sendTimeout time.Duration
}

// SubscriberConfig holds configuration for the reading subscriber
type SubscriberConfig struct {
	Topic       string // e.g. "te/device/+/m/+"
	QoS         byte
	SendTimeout time.Duration
}

// NewSubscriber creates a subscriber. The device id of each message is the
// topic segment matched by the first "+" of the filter.
func NewSubscriber(client subscribeClient, config SubscriberConfig) *Subscriber {
	if config.SendTimeout <= 0 {
		config.SendTimeout = time.Second
	}

	return &Subscriber{
		client:      client,
		topic:       config.Topic,
		qos:         config.QoS,
		segment:     DeviceSegment(config.Topic),
		sendTimeout: config.SendTimeout,
	}
}

// Name identifies the source
func (s *Subscriber) Name() string {
	return "mqtt"
}

// Run subscribes and forwards messages to out until ctx is done
func (s *Subscriber) Run(ctx context.Context, out chan<- models.RawMessage) error {
	log := logger.WithComponent("mqtt_subscriber")

	handler := func(_ paho.Client, msg paho.Message) {
		s.handle(ctx, msg, out)
	}

	token := s.client.Subscribe(s.topic, s.qos, handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, token.Error())
	}
	log.Info().Str("topic", s.topic).Int("qos", int(s.qos)).Msg("subscribed to readings")

	<-ctx.Done()

	token = s.client.Unsubscribe(s.topic)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		log.Warn().Err(token.Error()).Str("topic", s.topic).Msg("unsubscribe did not complete")
	}
	log.Info().Str("topic", s.topic).Msg("unsubscribed from readings")

	return nil
}

// handle writes one message to out, dropping it if the queue stays full
// for longer than the send timeout
func (s *Subscriber) handle(ctx context.Context, msg paho.Message, out chan<- models.RawMessage) {
	raw := models.RawMessage{
		Source:     s.Name(),
		Topic:      msg.Topic(),
		DeviceID:   DeviceIDFromTopic(msg.Topic(), s.segment),
		Payload:    msg.Payload(),
		ReceivedAt: time.Now().UTC(),
	}

	metrics.ReadingsReceivedTotal.WithLabelValues(s.Name()).Inc()

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case out <- raw:
	case <-ctx.Done():
	case <-timer.C:
		metrics.ReadingsDroppedTotal.WithLabelValues("queue_full").Inc()
		log := logger.WithDevice("mqtt_subscriber", raw.DeviceID)
		log.Warn().
			Str("topic", raw.Topic).
			Msg("ingest queue full, dropping message")
	}
}
