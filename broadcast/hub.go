package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound message size.
	maxMessageSize = 64 * 1024
)

// Envelope is the single wire shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives session lifecycle and inbound messages.
type Handler interface {
	OnConnect(s *Session)
	OnMessage(ctx context.Context, s *Session, msg Envelope)
	OnDisconnect(s *Session)
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Room every session joins on connect.
	Room string
	// SendBuffer is the per-session outbound queue length.
	SendBuffer int
	Logger     *logrus.Entry
	// CheckOrigin overrides the upgrader origin check; nil allows all origins.
	CheckOrigin func(r *http.Request) bool
}

// Hub fans published messages out to websocket sessions grouped in rooms.
// Publish is safe for concurrent use and never blocks on a slow session.
type Hub struct {
	upgrader websocket.Upgrader
	room     string
	buffer   int
	log      *logrus.Entry
	handler  Handler

	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	sessions map[string]*Session
}

func NewHub(cfg HubConfig, handler Handler) *Hub {
	if cfg.Room == "" {
		cfg.Room = "room"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("hub")
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		room:     cfg.Room,
		buffer:   cfg.SendBuffer,
		log:      cfg.Logger,
		handler:  handler,
		rooms:    make(map[string]map[*Session]struct{}),
		sessions: make(map[string]*Session),
	}
}

// SetHandler installs the handler; it must be called before serving.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// Publish sends topic/payload to every session in the shared room.
func (h *Hub) Publish(topic string, payload interface{}) error {
	return h.PublishRoom(h.room, topic, payload)
}

// PublishRoom sends topic/payload to every session in room.
func (h *Hub) PublishRoom(room, topic string, payload interface{}) error {
	msg, err := encode(topic, "", payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()
	for _, s := range members {
		s.enqueue(msg)
	}
	return nil
}

// Join adds s to room.
func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.rooms[room]
	if !ok {
		m = make(map[*Session]struct{})
		h.rooms[room] = m
	}
	m[s] = struct{}{}
}

// Leave removes s from room.
func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.rooms[room]; ok {
		delete(m, s)
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and runs the session until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("unable to upgrade into websocket")
		return
	}
	s := newSession(h, c)
	h.Join(s, h.room)
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	s.log.Info("connect")
	if h.handler != nil {
		h.handler.OnConnect(s)
	}
	go s.writeLoop()
	s.readLoop()
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.close()
	}
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	for room, m := range h.rooms {
		delete(m, s)
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

func encode(event, id string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, ID: id, Data: data})
}
