package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

// Hub maintains the set of connected alert stream clients and broadcasts
// alerts to them. Only the Run goroutine touches the client set.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	connected atomic.Int64
}

// Message is the frame sent to clients
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client
func (h *Hub) Run(ctx context.Context) {
	log := logger.WithComponent("websocket_hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			log.Info().Msg("hub stopped")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.connected.Add(1)
			metrics.WebsocketClients.Inc()
			log.Info().Str("remote", client.remote()).Msg("client registered")

		case client := <-h.unregister:
			if h.clients[client] {
				h.remove(client)
				log.Info().Str("remote", client.remote()).Msg("client unregistered")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					log.Warn().Str("remote", client.remote()).Msg("client send buffer full, removing")
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.connected.Add(-1)
	metrics.WebsocketClients.Dec()
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

// Name identifies the sink
func (h *Hub) Name() string {
	return "websocket"
}

// Publish broadcasts one alert
func (h *Hub) Publish(ctx context.Context, envelope *models.Envelope) error {
	data, err := json.Marshal(Message{Type: "alert", Payload: envelope.Alert})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return fmt.Errorf("%w: websocket hub stopped", models.ErrTransportUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishBatch broadcasts each alert in order
func (h *Hub) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	for _, env := range envelopes {
		if err := h.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the hub stops with the context passed to Run
func (h *Hub) Close() error {
	return nil
}
