package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"edgewatch/internal/logger"
	"edgewatch/internal/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HistoryFunc returns recent alerts sent to a client when it connects
type HistoryFunc func(ctx context.Context, limit int) ([]models.AlertEvent, error)

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *Client) remote() string {
	return c.conn.RemoteAddr().String()
}

// Handler upgrades requests to alert stream connections. When history is
// non-nil, recent alerts are sent before live ones.
func (h *Hub) Handler(history HistoryFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log := logger.WithComponent("websocket")
			log.Warn().Err(err).Msg("upgrade failed")
			return
		}

		client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}

		if history != nil {
			client.sendHistory(r.Context(), history)
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// sendHistory queues recent alerts before the client is registered
func (c *Client) sendHistory(ctx context.Context, history HistoryFunc) {
	alerts, err := history(ctx, cap(c.send)/2)
	if err != nil {
		log := logger.WithComponent("websocket")
		log.Warn().Err(err).Msg("failed to load alert history")
		return
	}
	if len(alerts) == 0 {
		return
	}

	data, err := json.Marshal(Message{Type: "history", Payload: alerts})
	if err != nil {
		return
	}
	c.send <- data
}

// readPump drains control frames and unregisters the client on close
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log := logger.WithComponent("websocket")
				log.Debug().Err(err).Str("remote", c.remote()).Msg("read error")
			}
			return
		}
	}
}

// writePump writes queued frames and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
