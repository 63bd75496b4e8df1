// Package websocket pushes slot state changes to connected clients. Each
// client watches one or more availability windows and receives every
// slot.opened / slot.closed event for them as a JSON text frame.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/booking/internal/platform/db"
	"github.com/clinic/booking/internal/platform/events"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Topic names the feed for one window. Windows are only unique per tenant.
func Topic(tenant string, windowID uuid.UUID) string {
	if tenant == "" {
		tenant = "_"
	}
	return tenant + ":" + windowID.String()
}

// ClientMessage lets a connected client watch or drop further windows of
// its own tenant.
type ClientMessage struct {
	Action  string      `json:"action"`
	Windows []uuid.UUID `json:"windows"`
}

// Client is one live connection.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
}

func newClient(tenant string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients by topic. It implements events.Publisher so the booking
// service can publish into it directly when no redis is configured.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "slot_feed").Logger(),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister drops the client from every topic and closes its Send channel.
// Calling it twice is safe.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Watch subscribes the client to more windows in its tenant.
func (h *Hub) Watch(client *Client, windows []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range windows {
		topic := Topic(client.Tenant, id)
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unwatch removes windows from the client's subscriptions.
func (h *Hub) Unwatch(client *Client, windows []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(windows))
	for _, id := range windows {
		topic := Topic(client.Tenant, id)
		drop[topic] = struct{}{}
		h.remove(topic, client)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches a client's watch/unwatch request. Unknown actions
// are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "watch":
		h.Watch(client, msg.Windows)
	case "unwatch":
		h.Unwatch(client, msg.Windows)
	}
}

// Publish fans the event out to the window's watchers. Slow clients whose
// buffer is full miss the event rather than stall the booking path.
func (h *Hub) Publish(_ context.Context, e events.SlotEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[Topic(e.Tenant, e.WindowID)] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("client buffer full, dropping slot event")
		}
	}
	return nil
}

// Relay publishes every event from stream into the hub until the stream
// closes. The server uses it to feed redis events from all instances to the
// clients connected here.
func (h *Hub) Relay(ctx context.Context, stream <-chan events.SlotEvent) {
	for e := range stream {
		_ = h.Publish(ctx, e)
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients watching a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Handler upgrades GET /live/windows/:id to a websocket bound to that window.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler accepts upgrades from the given origins; an empty list or "*"
// allows any origin.
func NewHandler(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/windows/:id", h.Connect)
}

// Connect upgrades the request, registers the client on the window's topic
// and starts the read and write pumps. It returns once the pumps run.
func (h *Handler) Connect(c echo.Context) error {
	windowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid window id")
	}
	tenant := db.TenantFromContext(c.Request().Context())

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already wrote the error response.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := newClient(tenant)
	client.Topics = []string{Topic(tenant, windowID)}
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

// readPump handles watch/unwatch messages and keeps the read deadline fresh
// on pongs. It unregisters the client when the connection drops.
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

// writePump drains client.Send to the socket and pings on idle.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
