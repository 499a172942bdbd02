package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Conn is one server-side socket.
type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	writeMu sync.Mutex

	mu      sync.RWMutex
	subject string
	rooms   map[string]struct{}
}

func (c *Conn) Emit(event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Conn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(env)
}

// Subject is the authenticated partner/user id, empty until authenticate succeeds.
func (c *Conn) Subject() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subject
}

func (c *Conn) SetSubject(s string) {
	c.mu.Lock()
	c.subject = s
	c.mu.Unlock()
}

// Kick sends a normal-closure frame; the client treats it as a server disconnect.
func (c *Conn) Kick(reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	return errors.Wrap(err, "kick")
}

type MessageHandler func(c *Conn, env Envelope)

type Hub struct {
	upgrader  websocket.Upgrader
	log       *zap.Logger
	onMessage MessageHandler
	onLeave   func(c *Conn)

	mu    sync.RWMutex
	conns map[*Conn]struct{}
	rooms map[string]map[*Conn]struct{}
}

func NewHub(log *zap.Logger, onMessage MessageHandler) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:       logging.OrNop(log),
		onMessage: onMessage,
		conns:     make(map[*Conn]struct{}),
		rooms:     make(map[string]map[*Conn]struct{}),
	}
}

// Handle sets the inbound message handler. Call it before serving.
func (h *Hub) Handle(fn MessageHandler) { h.onMessage = fn }

// OnLeave registers a callback fired after a socket is gone.
func (h *Hub) OnLeave(fn func(c *Conn)) { h.onLeave = fn }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	c := &Conn{ws: ws, hub: h, rooms: make(map[string]struct{})}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	defer h.drop(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			_ = c.Emit(EventError, ErrorPayload{Message: "malformed frame"})
			continue
		}
		if h.onMessage != nil {
			h.onMessage(c, env)
		}
	}
}

func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	c.mu.RLock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	c.mu.RUnlock()
	h.mu.Unlock()

	_ = c.ws.Close()
	if h.onLeave != nil {
		h.onLeave(c)
	}
}

func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}

	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast sends to every member of room and returns how many were reached.
func (h *Hub) Broadcast(room, event string, payload any) (int, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(env); err != nil {
			h.log.Warn("ws broadcast", zap.String("room", room), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close drops every socket.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}
