package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acp2/gateway/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// Client is one websocket consumer of run events.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu     sync.RWMutex
	runIDs map[string]bool
}

// SubscriptionMessage is sent by clients to subscribe/unsubscribe to runs.
type SubscriptionMessage struct {
	Action string   `json:"action"` // subscribe, unsubscribe
	RunIDs []string `json:"run_ids"`
}

// ReadPump reads subscription messages from the WebSocket connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, runID := range subMsg.RunIDs {
				c.Subscribe(runID)
			}
		case "unsubscribe":
			for _, runID := range subMsg.RunIDs {
				c.Unsubscribe(runID)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes queued events to the WebSocket connection.
func (c *Client) WritePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Send queues a message for the client, reporting false when its buffer is
// full.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Subscribe subscribes the client to a run's events.
func (c *Client) Subscribe(runID string) {
	c.mu.Lock()
	c.runIDs[runID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, runID)
	c.logger.Debug("Subscribed to run", zap.String("run_id", runID))
}

// Unsubscribe unsubscribes the client from a run's events.
func (c *Client) Unsubscribe(runID string) {
	c.mu.Lock()
	delete(c.runIDs, runID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, runID)
	c.logger.Debug("Unsubscribed from run", zap.String("run_id", runID))
}

// IsSubscribed reports whether the client is subscribed to a run.
func (c *Client) IsSubscribed(runID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runIDs[runID]
}
