// Package streaming pushes farmer telemetry to WebSocket observers: quote
// snapshots, order lifecycle events, fair-value updates, and cycle errors.
package streaming

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EventType classifies a telemetry event.
type EventType string

const (
	EventTypeQuote     EventType = "quote"
	EventTypeOrder     EventType = "order"
	EventTypeFairValue EventType = "fair_value"
	EventTypeMode      EventType = "mode"
	EventTypeError     EventType = "error"
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event is one telemetry message pushed to observers.
type Event struct {
	Type      EventType   `json:"type"`
	Market    string      `json:"market,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub fans telemetry events out to connected WebSocket observers. Slow
// observers are disconnected rather than allowed to block the broadcast.
type Hub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan Event
	register   chan *client
	unregister chan *client

	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a telemetry hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		log:        log.WithField("component", "streaming"),
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub until the stop channel closes.
func (h *Hub) Run(stop <-chan struct{}) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-stop:
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("observers", n).Debug("observer connected")

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.broadcast:
			h.send(ev)

		case <-heartbeat.C:
			h.send(Event{Type: EventTypeHeartbeat, Timestamp: time.Now()})
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) send(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Warn("event marshal failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Observer cannot keep up.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Publish queues an event for broadcast, dropping it if the hub is backed up.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("broadcast queue full, event dropped")
	}
}

// PublishQuote pushes a quote snapshot.
func (h *Hub) PublishQuote(market string, snapshot interface{}) {
	h.Publish(Event{Type: EventTypeQuote, Market: market, Data: snapshot})
}

// PublishOrder pushes an order lifecycle event.
func (h *Hub) PublishOrder(market string, order interface{}) {
	h.Publish(Event{Type: EventTypeOrder, Market: market, Data: order})
}

// PublishFairValue pushes a fair-value update.
func (h *Hub) PublishFairValue(market string, fairValue float64) {
	h.Publish(Event{
		Type:   EventTypeFairValue,
		Market: market,
		Data:   map[string]float64{"target_price": fairValue},
	})
}

// PublishMode pushes a quoting-mode transition.
func (h *Hub) PublishMode(market, mode string) {
	h.Publish(Event{
		Type:   EventTypeMode,
		Market: market,
		Data:   map[string]string{"mode": mode},
	})
}

// PublishError pushes a cycle error.
func (h *Hub) PublishError(market string, err error) {
	h.Publish(Event{
		Type:   EventTypeError,
		Market: market,
		Data:   map[string]string{"error": err.Error()},
	})
}

// ObserverCount returns the number of connected observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request into an observer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		// Observers are read-only; inbound frames just keep the connection
		// deadline fresh.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ping := time.NewTicker(54 * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
