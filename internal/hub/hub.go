// Package hub manages browser websocket connections.
//
// Frames are JSON. Server to client: {"event": "...", "data": {...}}.
// Client to server: {"action": "...", "botId": "...", "data": {...}}.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
)

var (
	ErrConnectionGone = errors.New("connection gone")
	ErrSendBufferFull = errors.New("send buffer full")
)

// EventConnected is the first frame sent on every connection.
const EventConnected = "connected"

// Outbound is a server to client frame.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Inbound is a client to server frame.
type Inbound struct {
	Action string          `json:"action"`
	BotID  string          `json:"botId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Handler receives connection lifecycle callbacks and client frames.
// Callbacks run on the connection's read goroutine.
type Handler interface {
	OnConnect(connectionId string)
	OnMessage(connectionId string, msg Inbound)
	OnDisconnect(connectionId string)
}

// Options configures a Hub.
type Options struct {
	AllowedOrigins  []string // "*" allows any origin
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64
}

// DefaultOptions returns the default connection settings.
func DefaultOptions() Options {
	return Options{
		AllowedOrigins:  []string{"*"},
		SendBuffer:      256,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Hub is the live connection registry.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	handler Handler
}

// New creates a Hub.
func New(opts Options) *Hub {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}

	h := &Hub{
		opts:    opts,
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithComponent("hub"),
		clients: make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.isOriginAllowed,
	}
	return h
}

// SetHandler installs the callback receiver. Call before serving traffic.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	handler := h.handler
	h.mu.Unlock()

	h.metrics.SetConnectionsActive(total)
	logger := logging.WithConnection(c.id)
	logger.Info().Int("total", total).Msg("Client connected")

	_ = h.SendTo(c.id, EventConnected, map[string]string{"connectionId": c.id})
	if handler != nil {
		handler.OnConnect(c.id)
	}

	go h.writePump(c)
	h.readPump(c)
}

// IsLive reports whether connectionId is currently connected.
func (h *Hub) IsLive(connectionId string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connectionId]
	return ok
}

// SendTo queues event for one connection without blocking.
func (h *Hub) SendTo(connectionId, event string, payload any) error {
	frame, err := json.Marshal(Outbound{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	h.mu.RLock()
	c, ok := h.clients[connectionId]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionGone
	}
	return enqueue(c, frame)
}

// Broadcast queues event for every live connection and returns how many
// accepted it.
func (h *Hub) Broadcast(event string, payload any) int {
	frame, err := json.Marshal(Outbound{Event: event, Data: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal broadcast frame")
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := enqueue(c, frame); err != nil {
			logger := logging.WithConnection(c.id)
			logger.Warn().Err(err).Str("event", event).Msg("Broadcast skipped connection")
			continue
		}
		sent++
	}
	return sent
}

// LiveConnections returns the ids of every live connection, sorted.
func (h *Hub) LiveConnections() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.close()
	}
}

func enqueue(c *client, frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionGone
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionGone
	default:
		return ErrSendBufferFull
	}
}

func (h *Hub) remove(c *client) {
	c.close()

	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	total := len(h.clients)
	handler := h.handler
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.SetConnectionsActive(total)
	logger := logging.WithConnection(c.id)
	logger.Info().Int("total", total).Msg("Client disconnected")
	if handler != nil {
		handler.OnDisconnect(c.id)
	}
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		var msg Inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger := logging.WithConnection(c.id)
				logger.Debug().Err(err).Msg("Connection read error")
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				_ = h.SendTo(c.id, "error", map[string]string{"error": "invalid JSON frame"})
				continue
			}
			return
		}

		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler != nil {
			handler.OnMessage(c.id, msg)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger := logging.WithConnection(c.id)
				logger.Debug().Err(err).Msg("Connection write error")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) isOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	parsed, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
