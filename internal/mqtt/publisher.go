package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"edgewatch/internal/models"
)

type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
}

// Publisher is an alert sink publishing each alert to a per-device topic
type Publisher struct {
	client publishClient
	name   string
	topic  string
	qos    byte
	encode func(*models.AlertEvent) ([]byte, error)
}

// PublisherConfig holds configuration for the alert publisher
type PublisherConfig struct {
	Topic string // e.g. "te/device/{device_id}/e/ai_alert"
	QoS   byte
}

// NewPublisher creates a publisher sending the alert JSON as an event
func NewPublisher(client publishClient, config PublisherConfig) *Publisher {
	return &Publisher{
		client: client,
		name:   "mqtt",
		topic:  config.Topic,
		qos:    config.QoS,
		encode: func(alert *models.AlertEvent) ([]byte, error) {
			return json.Marshal(alert)
		},
	}
}

// Alarm is the thin-edge.io alarm body
type Alarm struct {
	Text     string `json:"text"`
	Severity string `json:"severity"`
}

// NewAlarmPublisher creates a publisher raising thin-edge.io alarms, which
// the cloud mapper turns into device alarms. The topic may use
// {device_id}, {kind} and {metric}, e.g.
// "te/device/{device_id}///a/ai_{kind}_{metric}".
func NewAlarmPublisher(client publishClient, config PublisherConfig) *Publisher {
	return &Publisher{
		client: client,
		name:   "mqtt_alarms",
		topic:  config.Topic,
		qos:    config.QoS,
		encode: func(alert *models.AlertEvent) ([]byte, error) {
			return json.Marshal(Alarm{Text: alert.Reason, Severity: AlarmSeverity(alert.Band)})
		},
	}
}

// AlarmSeverity maps a band onto a thin-edge.io alarm severity
func AlarmSeverity(band models.Band) string {
	switch band {
	case models.BandCritical:
		return "critical"
	case models.BandWarning:
		return "major"
	default:
		return "minor"
	}
}

// Name identifies the sink
func (p *Publisher) Name() string {
	return p.name
}

// Publish sends one alert as JSON
func (p *Publisher) Publish(ctx context.Context, envelope *models.Envelope) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("%w: mqtt not connected", models.ErrTransportUnavailable)
	}

	payload, err := p.encode(envelope.Alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	topic := FormatAlertTopic(p.topic, envelope.Alert)
	token := p.client.Publish(topic, p.qos, false, payload)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish alert to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

// PublishBatch publishes each alert in turn
func (p *Publisher) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	var errs []error
	for _, env := range envelopes {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the shared client is closed by its owner
func (p *Publisher) Close() error {
	return nil
}
