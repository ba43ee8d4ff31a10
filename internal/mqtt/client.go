package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"edgewatch/internal/logger"
)

// Client manages the broker connection. Subscriptions made through it are
// restored after an automatic reconnect.
type Client struct {
	client paho.Client
	config ClientConfig

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler paho.MessageHandler
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// NewClient connects to the broker
func NewClient(config ClientConfig) (*Client, error) {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	c := &Client{
		config: config,
		subs:   make(map[string]subscription),
	}

	log := logger.WithComponent("mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		log.Debug().Str("topic", msg.Topic()).Msg("unrouted message")
	})
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("connection lost")
	})

	c.client = paho.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", config.Broker, err)
	}

	log.Info().Str("broker", config.Broker).Str("client_id", config.ClientID).Msg("connected to broker")

	return c, nil
}

// onConnect restores subscriptions after a reconnect
func (c *Client) onConnect(client paho.Client) {
	log := logger.WithComponent("mqtt")

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	if len(subs) == 0 {
		log.Info().Msg("connection established")
		return
	}

	for topic, s := range subs {
		token := client.Subscribe(topic, s.qos, s.handler)
		if token.WaitTimeout(c.config.ConnectTimeout) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topic).Msg("failed to restore subscription")
			continue
		}
		log.Info().Str("topic", topic).Msg("subscription restored")
	}
}

// Subscribe subscribes to topic and remembers it for reconnects
func (c *Client) Subscribe(topic string, qos byte, handler paho.MessageHandler) paho.Token {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	return c.client.Subscribe(topic, qos, handler)
}

// Unsubscribe removes subscriptions
func (c *Client) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	return c.client.Unsubscribe(topics...)
}

// Publish publishes a payload
func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	return c.client.Publish(topic, qos, retained, payload)
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects from the broker
func (c *Client) Close() {
	c.client.Disconnect(250)
	log := logger.WithComponent("mqtt")
	log.Info().Msg("disconnected from broker")
}
