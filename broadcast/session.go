package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
)

// Session is one connected browser client.
type Session struct {
	id  string
	hub *Hub
	ws  *websocket.Conn
	log *logrus.Entry
	ctx context.Context

	cancel  context.CancelFunc
	writeCh chan []byte

	closeMu sync.Mutex
	closed  bool
}

func newSession(h *Hub, ws *websocket.Conn) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	ctx, log := logger.ContextWithSession(ctx, h.log, id)
	return &Session{
		id:      id,
		hub:     h,
		ws:      ws,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		writeCh: make(chan []byte, h.buffer),
	}
}

func (s *Session) ID() string { return s.id }

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Reply sends an event to this session only. id echoes the request id.
func (s *Session) Reply(event, id string, payload interface{}) error {
	msg, err := encode(event, id, payload)
	if err != nil {
		return err
	}
	s.enqueue(msg)
	return nil
}

// Join adds the session to another room.
func (s *Session) Join(room string) { s.hub.Join(s, room) }

// Leave removes the session from room.
func (s *Session) Leave(room string) { s.hub.Leave(s, room) }

func (s *Session) enqueue(msg []byte) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.writeCh <- msg:
	default:
		s.log.Warn("send buffer full, dropping message")
	}
}

func (s *Session) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.writeCh)
}

func (s *Session) readLoop() {
	defer func() {
		s.close()
		s.cancel()
		s.hub.remove(s)
		if s.hub.handler != nil {
			s.hub.handler.OnDisconnect(s)
		}
		s.log.Info("disconnect")
	}()
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("read failed")
			}
			return
		}
		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			_ = s.Reply("error", "", map[string]string{"kind": "BadRequest", "message": "malformed message"})
			continue
		}
		if s.hub.handler != nil {
			s.hub.handler.OnMessage(s.ctx, s, msg)
		}
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()
	for {
		select {
		case message, ok := <-s.writeCh:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if err := s.ws.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					s.log.Debug("unable to send websocket close message, ws is already closed")
				}
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// the read loop notices the closed socket and ends the session
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
