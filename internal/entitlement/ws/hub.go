// Package ws streams entitlement snapshots to WebSocket observers.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"strideBack/internal/models"
)

// Logger is the logging surface the hub needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StateSource provides the snapshot sent to newly connected observers.
type StateSource interface {
	State() models.EntitlementState
}

// Event is the message observers receive.
type Event struct {
	Type  string                  `json:"type"`
	State models.EntitlementState `json:"state"`
}

// Hub manages observer connections.
type Hub struct {
	upgrader websocket.Upgrader
	source   StateSource
	logger   Logger

	mu     sync.RWMutex
	nextID int64
	conns  map[int64]*websocket.Conn
	wmu    map[int64]*sync.Mutex
}

func NewHub(source StateSource, logger Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		source:   source,
		logger:   logger,
		conns:    make(map[int64]*websocket.Conn),
		wmu:      make(map[int64]*sync.Mutex),
	}
}

// ServeWS upgrades the request and sends the current state.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("entitlement ws upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.conns[id] = conn
	h.wmu[id] = &sync.Mutex{}
	h.mu.Unlock()

	h.push(id, Event{Type: "entitlement", State: h.source.State()})
	go h.readLoop(id, conn)
}

// Run broadcasts every snapshot from states until ctx is done.
func (h *Hub) Run(ctx context.Context, states <-chan models.EntitlementState) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			h.Broadcast(Event{Type: "entitlement", State: state})
		}
	}
}

// Count reports connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) readLoop(id int64, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		delete(h.conns, id)
		delete(h.wmu, id)
		h.mu.Unlock()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(msg)), "ping") {
			h.safeWrite(id, func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.TextMessage, []byte("pong"))
			})
		}
	}
}

func (h *Hub) safeWrite(id int64, writer func(*websocket.Conn) error) {
	h.mu.RLock()
	conn := h.conns[id]
	mu := h.wmu[id]
	h.mu.RUnlock()
	if conn == nil || mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := writer(conn); err != nil {
		h.logger.Errorf("entitlement ws %d write failed: %v", id, err)
	}
}

func (h *Hub) push(id int64, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.safeWrite(id, func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}

// Broadcast sends the same event to all observers.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	ids := make([]int64, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.safeWrite(id, func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, data)
		})
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
