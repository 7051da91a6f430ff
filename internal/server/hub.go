package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleetmon/internal/events"
	"fleetmon/internal/logging"
	"fleetmon/internal/models"
)

const (
	hubWriteTimeout = 5 * time.Second
	hubSendBuffer   = 16
)

// Message types sent over the websocket.
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// Message is one websocket payload.
type Message struct {
	Type     string                `json:"type"`
	Snapshot *models.FleetSnapshot `json:"snapshot,omitempty"`
	Event    *events.Event         `json:"event,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans snapshots and events out to websocket clients. A client that
// cannot keep up is disconnected.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	latest  *models.FleetSnapshot
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logging.OrNop(logger).Named("ws"),
		clients: make(map[*hubClient]struct{}),
	}
}

// PublishSnapshot stores the snapshot for new clients and broadcasts it.
func (h *Hub) PublishSnapshot(s models.FleetSnapshot) {
	h.mu.Lock()
	h.latest = &s
	h.mu.Unlock()
	h.broadcast(Message{Type: MessageSnapshot, Snapshot: &s})
}

// Emit broadcasts an event.
func (h *Hub) Emit(e events.Event) {
	h.broadcast(Message{Type: MessageEvent, Event: &e})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping slow websocket client", zap.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil {
		c.send <- Message{Type: MessageSnapshot, Snapshot: h.latest}
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams messages until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &hubClient{conn: conn, send: make(chan Message, hubSendBuffer)}
	h.register(c)
	defer h.unregister(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
