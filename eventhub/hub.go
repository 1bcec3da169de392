// Package eventhub rebroadcasts scheduler execution and error events
// to WebSocket subscribers, for a live operational view of a running
// fleet. It implements the root driftcron.EventSink interface; it
// never influences scheduling decisions, only observes them.
package eventhub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftcron/driftcron"
)

const maxConnections = 200

// eventEnvelope is the JSON shape pushed to every subscriber.
type eventEnvelope struct {
	Type      string                    `json:"type"` // "executed" or "error"
	Executed  *driftcron.ExecutedDetail `json:"executed,omitempty"`
	Error     *errorPayload             `json:"error,omitempty"`
	Timestamp int64                     `json:"timestamp"`
}

// errorPayload mirrors driftcron.ErrorDetail but flattens Err to a
// string, since error values don't round-trip through JSON.
type errorPayload struct {
	Description string `json:"description"`
	Err         string `json:"err,omitempty"`
	Kind        string `json:"kind"`
	UID         string `json:"uid,omitempty"`
}

// Hub is a single-broadcaster-goroutine WebSocket fan-out, the same
// pattern as the teacher's MetricsHub: one goroutine owns the client
// map, register/unregister channels serialize membership changes, and
// every send sets a 5-second write deadline, so one dead connection
// can hold up a broadcast for at most that long.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan eventEnvelope
	mu         sync.RWMutex
}

var _ driftcron.EventSink = (*Hub)(nil)

// New returns a Hub. Call Run in its own goroutine before using it as
// an EventSink.
func New() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan eventEnvelope, 64),
	}
}

// Run owns the client map until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("eventhub: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("eventhub: client registered, total=%d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("eventhub: client unregistered, total=%d", total)

		case env := <-h.events:
			h.broadcast(env)
		}
	}
}

func (h *Hub) broadcast(env eventEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("eventhub: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register subscribes conn to future events.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister drops conn.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount reports the current subscriber count.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Executed implements driftcron.EventSink.
func (h *Hub) Executed(d driftcron.ExecutedDetail) {
	h.enqueue(eventEnvelope{Type: "executed", Executed: &d, Timestamp: time.Now().UnixMilli()})
}

// Error implements driftcron.EventSink.
func (h *Hub) Error(d driftcron.ErrorDetail) {
	payload := &errorPayload{Description: d.Description, Kind: string(d.Kind), UID: d.UID}
	if d.Err != nil {
		payload.Err = d.Err.Error()
	}
	h.enqueue(eventEnvelope{Type: "error", Error: payload, Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) enqueue(env eventEnvelope) {
	select {
	case h.events <- env:
	default:
		log.Printf("eventhub: event buffer full, dropping %s event", env.Type)
	}
}
