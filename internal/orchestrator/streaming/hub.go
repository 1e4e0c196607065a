// Package streaming fans run events out to websocket subscribers.
package streaming

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acp2/gateway/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP layer already enforces bearer auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RunEvent is the frame delivered to websocket subscribers.
type RunEvent struct {
	Event     string      `json:"event"`
	RunID     string      `json:"run_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Hub tracks connected websocket clients and their run subscriptions.
type Hub struct {
	mu            sync.RWMutex
	clients       map[*Client]bool
	subscriptions map[string]map[*Client]bool // run id -> clients
	logger        *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
		logger:        log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// ServeWS upgrades the request to a websocket and starts the client pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		runIDs: make(map[string]bool),
		logger: h.logger,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.WritePump()
	go client.ReadPump()
}

// Unregister removes a client and all its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for runID, subs := range h.subscriptions {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscriptions, runID)
		}
	}
}

// SubscribeClient adds a client to a run's subscriber set.
func (h *Hub) SubscribeClient(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscriptions[runID] == nil {
		h.subscriptions[runID] = make(map[*Client]bool)
	}
	h.subscriptions[runID][client] = true
}

// UnsubscribeClient removes a client from a run's subscriber set.
func (h *Hub) UnsubscribeClient(client *Client, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscriptions[runID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscriptions, runID)
		}
	}
}

// Broadcast delivers a run event to every subscriber of that run. Slow
// clients are dropped rather than blocking the broadcaster.
func (h *Hub) Broadcast(event string, runID string, data interface{}) {
	msg, err := json.Marshal(RunEvent{
		Event:     event,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Error("Failed to marshal run event", zap.Error(err))
		return
	}

	h.mu.RLock()
	var stale []*Client
	for client := range h.subscriptions[runID] {
		if !client.Send(msg) {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.logger.Warn("Dropping slow websocket client", zap.String("run_id", runID))
		h.Unregister(client)
	}
}
