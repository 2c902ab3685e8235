// -----------------------------------------------------------------------
// WebSocket Handler - job status and log streaming to connected clients
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope every WebSocket broadcast uses.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is a log line shaped for WebSocket consumers.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WebSocketHandler broadcasts job status events and log lines to connected
// clients. Events publish only after the owning transaction commits, so
// clients never observe uncommitted state.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	eventService     interfaces.EventService
	allowedEvents    map[string]bool // Whitelist of events to broadcast (empty = allow all)
	throttlers       map[string]*rate.Limiter
	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		allowedEvents:    make(map[string]bool),
		throttlers:       make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")

	// Empty whitelist means allow all events.
	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		logger.Debug().
			Int("allowed_events", len(h.allowedEvents)).
			Msg("Initialized event whitelist for WebSocketHandler")
	}

	// Nil throttler for an event type = no throttling.
	if config != nil {
		for eventType, intervalStr := range config.ThrottleIntervals {
			duration, err := time.ParseDuration(intervalStr)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval - throttler disabled")
				continue
			}
			h.throttlers[eventType] = rate.NewLimiter(rate.Every(duration), 1)
			logger.Debug().
				Str("event_type", eventType).
				Str("interval", intervalStr).
				Msg("Throttler initialized")
		}
	}

	if eventService != nil {
		h.subscribeToJobEvents()
	}

	return h
}

// subscribeToJobEvents wires the handler into the in-process event bus.
func (h *WebSocketHandler) subscribeToJobEvents() {
	for _, eventType := range []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobStatusChanged,
		interfaces.EventJobProgress,
		interfaces.EventWorkItemCompleted,
	} {
		if err := h.eventService.Subscribe(eventType, h.handleEvent); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe WebSocket handler")
		}
	}
}

func (h *WebSocketHandler) handleEvent(ctx context.Context, event interfaces.Event) error {
	eventType := string(event.Type)

	if len(h.allowedEvents) > 0 && !h.allowedEvents[eventType] {
		return nil
	}
	if limiter, ok := h.throttlers[eventType]; ok && limiter != nil && !limiter.Allow() {
		return nil
	}

	h.Broadcast(WSMessage{Type: eventType, Payload: event.Payload})
	return nil
}

// WebSocketHandler upgrades the connection and registers the client.
// GET /ws
func (h *WebSocketHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	// The hello frame lets clients detect server restarts and clear state.
	h.send(conn, WSMessage{
		Type: "hello",
		Payload: map[string]string{
			"serverInstanceId": h.serverInstanceID,
			"version":          common.GetVersion(),
		},
	})

	// Read loop only detects disconnects; clients do not send commands.
	go func() {
		defer h.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WebSocketHandler) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	delete(h.clientMutex, conn)
	clientCount := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
}

// Broadcast sends a message to every connected client. Slow or broken
// clients are dropped rather than blocking the broadcast.
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.removeClient(conn)
		}
	}
}

// BroadcastLog streams a log line to all clients. Called by the arbor
// channel writer; must never log through arbor itself.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.Broadcast(WSMessage{Type: "log", Payload: entry})
}

func (h *WebSocketHandler) send(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send WebSocket hello")
	}
}

// ClientCount reports connected clients, for the health endpoint and tests.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
