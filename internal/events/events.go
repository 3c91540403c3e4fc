// Package events serves the per-user notification WebSocket endpoint,
// independent of document rooms.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teamspace/backend/internal/auth"
	"github.com/teamspace/backend/internal/logger"
	"github.com/teamspace/backend/internal/models"
	"github.com/teamspace/backend/internal/ratelimit"
	redispkg "github.com/teamspace/backend/internal/redis"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type conn struct {
	sock      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	userID    uuid.UUID
	limiter   *ratelimit.MsgLimiter
}

func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}

// Server is the per-user event channel: JSON text frames, same session
// and rate rules as the document channel.
type Server struct {
	sessions *auth.SessionGate
	limiter  *ratelimit.ConnLimiter
	pubsub   *redispkg.PubSub // nil disables cross-instance fan-out

	mu    sync.Mutex
	conns map[uuid.UUID]map[*conn]struct{}

	log *logger.ComponentLogger
}

// NewServer creates the event server. pubsub may be nil.
func NewServer(sessions *auth.SessionGate, limiter *ratelimit.ConnLimiter, pubsub *redispkg.PubSub) *Server {
	s := &Server{
		sessions: sessions,
		limiter:  limiter,
		pubsub:   pubsub,
		conns:    make(map[uuid.UUID]map[*conn]struct{}),
		log:      logger.Component("events"),
	}
	if pubsub != nil {
		pubsub.Subscribe(redispkg.UserEventsChannel(), s.handleRemoteEvent)
	}
	return s
}

// HandleEvents upgrades GET /events.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(ratelimit.ClientIP(r)) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	principal, err := s.sessions.ValidateRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade failed: %v", err)
		return
	}

	c := &conn{
		sock:    sock,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		userID:  principal.UserID,
		limiter: ratelimit.NewMsgLimiter(),
	}
	s.register(c)

	connected, _ := json.Marshal(models.EventMessage{Type: models.EventTypeConnected})
	c.enqueue(connected)

	go c.writePump()
	go s.readPump(c)
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[c.userID]
	if !ok {
		set = make(map[*conn]struct{})
		s.conns[c.userID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.conns, c.userID)
		}
	}
}

func (s *Server) readPump(c *conn) {
	defer func() {
		s.unregister(c)
		c.close()
	}()

	c.sock.SetReadLimit(64 * 1024)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.sock.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			if c.limiter.Exhausted() {
				msg := websocket.FormatCloseMessage(models.ClosePolicyViolation, "Rate limit exceeded")
				c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			continue
		}

		var msg models.EventMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		if msg.Type == models.EventTypePing {
			pong, _ := json.Marshal(models.EventMessage{Type: models.EventTypePong})
			c.enqueue(pong)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// BroadcastToUser fans a payload to every open event socket for a user,
// here and on sibling instances.
func (s *Server) BroadcastToUser(userID uuid.UUID, eventType string, data json.RawMessage) {
	s.broadcastLocal(userID, eventType, data)
	if s.pubsub != nil {
		s.pubsub.Publish(redispkg.UserEventsChannel(), redispkg.TypeUserEvent, remoteEvent{
			UserID: userID.String(),
			Type:   eventType,
			Data:   data,
		})
	}
}

func (s *Server) broadcastLocal(userID uuid.UUID, eventType string, data json.RawMessage) {
	frame, err := json.Marshal(models.EventMessage{Type: eventType, Data: data})
	if err != nil {
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns[userID]))
	for c := range s.conns[userID] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

type remoteEvent struct {
	UserID string          `json:"userId"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleRemoteEvent(channel string, payload []byte) {
	var envelope redispkg.Message
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return
	}
	if envelope.Type != redispkg.TypeUserEvent {
		return
	}
	var event remoteEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return
	}
	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		return
	}
	s.broadcastLocal(userID, event.Type, event.Data)
}

// ConnCount returns the number of open event connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, set := range s.conns {
		total += len(set)
	}
	return total
}
