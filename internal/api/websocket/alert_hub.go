package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

// MessageType identifies a message pushed to alert stream clients
type MessageType string

const (
	MessageConnected      MessageType = "connection.established"
	MessageAlertRaised    MessageType = "alert.raised"
	MessageAlertUpdated   MessageType = "alert.updated"
	MessageFiltersUpdated MessageType = "filters.updated"
	MessagePong           MessageType = "pong"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// Message is one frame on the alert stream
type Message struct {
	ID        string       `json:"id"`
	Type      MessageType  `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Alert     *audit.Alert `json:"alert,omitempty"`
	Data      interface{}  `json:"data,omitempty"`
}

// Filters narrow which alerts a client receives. Empty fields match all.
type Filters struct {
	RuleIDs     []string            `json:"rule_ids,omitempty"`
	Statuses    []audit.AlertStatus `json:"statuses,omitempty"`
	MinSeverity audit.Severity      `json:"min_severity,omitempty"`
}

func (f Filters) match(alert *audit.Alert) bool {
	if len(f.RuleIDs) > 0 && !slices.Contains(f.RuleIDs, alert.RuleID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, alert.Status) {
		return false
	}
	if f.MinSeverity != "" && !alert.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	return true
}

// clientMessage is what clients may send
type clientMessage struct {
	Type    string  `json:"type"`
	Filters Filters `json:"filters"`
}

// HubConfig tunes the alert hub
type HubConfig struct {
	AllowedOrigins []string
	SendBuffer     int
	BroadcastQueue int
}

// DefaultHubConfig returns the defaults used by the API server
func DefaultHubConfig() HubConfig {
	return HubConfig{SendBuffer: 32, BroadcastQueue: 256}
}

// AlertHub fans alert notifications out to websocket subscribers
type AlertHub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	config     HubConfig
	clients    map[uuid.UUID]*AlertClient
	clientsMu  sync.RWMutex
	broadcast  chan *Message
	register   chan *AlertClient
	unregister chan *AlertClient
	done       chan struct{}
	stopOnce   sync.Once
}

// AlertClient is one websocket subscriber
type AlertClient struct {
	ID          uuid.UUID
	conn        *websocket.Conn
	send        chan *Message
	hub         *AlertHub
	mu          sync.RWMutex
	filters     Filters
	connectedAt time.Time
}

// NewAlertHub creates a hub. Call Run before serving connections.
func NewAlertHub(config HubConfig, logger *zap.Logger) *AlertHub {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultHubConfig().SendBuffer
	}
	if config.BroadcastQueue <= 0 {
		config.BroadcastQueue = DefaultHubConfig().BroadcastQueue
	}
	h := &AlertHub{
		logger:     logger,
		config:     config,
		clients:    make(map[uuid.UUID]*AlertClient),
		broadcast:  make(chan *Message, config.BroadcastQueue),
		register:   make(chan *AlertClient),
		unregister: make(chan *AlertClient),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *AlertHub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.config.AllowedOrigins, origin)
}

// Run serves hub traffic until ctx is cancelled or Stop is called
func (h *AlertHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			h.shutdown()
			return
		case <-h.done:
			h.shutdown()
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// Stop shuts the hub down
func (h *AlertHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Ping reports whether the hub is still running
func (h *AlertHub) Ping(context.Context) error {
	select {
	case <-h.done:
		return ErrHubNotRunning
	default:
		return nil
	}
}

// ClientCount returns the number of connected subscribers
func (h *AlertHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// AlertRaised queues a new alert for delivery. It never blocks the caller.
func (h *AlertHub) AlertRaised(alert *audit.Alert) {
	h.publish(MessageAlertRaised, alert)
}

// AlertUpdated queues a status change for delivery
func (h *AlertHub) AlertUpdated(alert *audit.Alert) {
	h.publish(MessageAlertUpdated, alert)
}

func (h *AlertHub) publish(kind MessageType, alert *audit.Alert) {
	msg := &Message{ID: uuid.NewString(), Type: kind, Timestamp: time.Now().UTC(), Alert: alert}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("Alert stream queue full, dropping notification",
			zap.String("alert_id", alert.ID.String()),
			zap.String("type", string(kind)))
	}
}

// ServeHTTP upgrades the request and subscribes the connection
func (h *AlertHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "alert stream unavailable", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &AlertClient{
		ID:          uuid.New(),
		conn:        conn,
		send:        make(chan *Message, h.config.SendBuffer),
		hub:         h,
		connectedAt: time.Now(),
	}
	if !h.registerOrDone(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *AlertHub) registerOrDone(client *AlertClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *AlertHub) unregisterOrDone(client *AlertClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *AlertHub) registerClient(client *AlertClient) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("Alert stream client connected",
		zap.String("client_id", client.ID.String()),
		zap.String("remote_addr", client.conn.RemoteAddr().String()))

	client.trySend(&Message{
		ID:        uuid.NewString(),
		Type:      MessageConnected,
		Timestamp: time.Now().UTC(),
		Data:      map[string]string{"client_id": client.ID.String()},
	})
}

func (h *AlertHub) unregisterClient(client *AlertClient) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.send)
		h.logger.Info("Alert stream client disconnected",
			zap.String("client_id", client.ID.String()))
	}
}

func (h *AlertHub) broadcastMessage(msg *Message) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for id, client := range h.clients {
		if !client.wants(msg) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			// Slow consumers are dropped rather than stalling the hub.
			h.logger.Warn("Alert stream client too slow, disconnecting",
				zap.String("client_id", id.String()))
			delete(h.clients, id)
			close(client.send)
		}
	}
}

func (h *AlertHub) shutdown() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
}

func (c *AlertClient) wants(msg *Message) bool {
	if msg.Alert == nil {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters.match(msg.Alert)
}

func (c *AlertClient) trySend(msg *Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// ReadPump handles client messages until the connection closes
func (c *AlertClient) ReadPump() {
	defer func() {
		c.hub.unregisterOrDone(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Alert stream read error",
					zap.String("client_id", c.ID.String()),
					zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("Ignoring malformed client message",
				zap.String("client_id", c.ID.String()),
				zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

// handle runs on the read goroutine. Replies go through trySend so a full
// buffer drops the reply instead of blocking reads.
func (c *AlertClient) handle(msg clientMessage) {
	switch msg.Type {
	case "update_filters":
		if msg.Filters.MinSeverity != "" && !msg.Filters.MinSeverity.IsValid() {
			msg.Filters.MinSeverity = ""
		}
		c.mu.Lock()
		c.filters = msg.Filters
		c.mu.Unlock()
		c.reply(MessageFiltersUpdated, msg.Filters)
	case "ping":
		c.reply(MessagePong, nil)
	}
}

// reply queues a direct response. The hub owns closing send, so replies
// go through it under the clients lock.
func (c *AlertClient) reply(kind MessageType, data interface{}) {
	c.hub.clientsMu.RLock()
	defer c.hub.clientsMu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	c.trySend(&Message{ID: uuid.NewString(), Type: kind, Timestamp: time.Now().UTC(), Data: data})
}

// WritePump delivers queued messages and keeps the connection alive
func (c *AlertClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ErrHubNotRunning is returned by Ping after the hub stopped
var ErrHubNotRunning = &Error{Code: "WS001", Message: "alert hub is not running"}

// Error is a websocket layer error
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
