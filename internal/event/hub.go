// Package event broadcasts live bot events to WebSocket observers.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types pushed to subscribers.
const (
	TypeMessage          = "message"
	TypeConnectionStatus = "connection_status"
)

// Event is one broadcast payload scoped to a bot.
type Event struct {
	Type      string    `json:"type"`
	BotID     string    `json:"bot_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	clientBufferSize = 32
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// client is one connected observer. A slow client that fills its buffer is
// dropped rather than allowed to stall the broadcast path.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bot events out to per-bot subscriber sets.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an event hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger: log.With(slog.String("component", "event")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observers authenticate with a JWT before the upgrade; origin
			// enforcement happens at the proxy layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[string]map[*client]struct{}{},
	}
}

// Subscribe upgrades the request to a WebSocket and streams the bot's events
// until the client disconnects or the context ends.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request, botID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan []byte, clientBufferSize)}
	h.add(botID, c)
	h.logger.Debug("observer connected", slog.String("bot_id", botID))

	go h.writeLoop(botID, c)

	// Read loop: discard inbound frames, detect disconnect.
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
		default:
			continue
		}
		break
	}
	h.remove(botID, c)
	return nil
}

// Broadcast queues an event for every observer of the bot. The call never
// blocks; delivery runs on the client writer goroutines.
func (h *Hub) Broadcast(botID, eventType string, payload any) {
	event := Event{
		Type:      eventType,
		BotID:     botID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("event marshal failed", slog.String("type", eventType), slog.Any("error", err))
		return
	}
	h.mu.RLock()
	observers := h.clients[botID]
	stale := make([]*client, 0)
	for c := range observers {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stale {
		h.logger.Warn("dropping slow observer", slog.String("bot_id", botID))
		h.remove(botID, c)
	}
}

// ObserverCount returns the number of connected observers for a bot.
func (h *Hub) ObserverCount(botID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[botID])
}

func (h *Hub) writeLoop(botID string, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(botID, c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(botID, c)
				return
			}
		}
	}
}

func (h *Hub) add(botID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[botID] == nil {
		h.clients[botID] = map[*client]struct{}{}
	}
	h.clients[botID][c] = struct{}{}
}

func (h *Hub) remove(botID string, c *client) {
	h.mu.Lock()
	if _, ok := h.clients[botID][c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients[botID], c)
	if len(h.clients[botID]) == 0 {
		delete(h.clients, botID)
	}
	h.mu.Unlock()
	close(c.send)
	_ = c.conn.Close()
}
