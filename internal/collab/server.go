package collab

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teamspace/backend/internal/auth"
	"github.com/teamspace/backend/internal/logger"
	"github.com/teamspace/backend/internal/models"
	"github.com/teamspace/backend/internal/ratelimit"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxFrameSize = 10 << 20 // 10 MiB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the session cookie; allow all here
		return true
	},
}

// socket is the slice of *websocket.Conn the supervisor uses. Tests
// substitute a fake.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one live document connection.
type Conn struct {
	id        string
	sock      socket
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	principal models.Principal
	room      *Room

	// presence id advertised by the client in its first presence
	// frame; used for removal on disconnect
	presenceID  uint64
	hasPresence bool

	limiter *ratelimit.MsgLimiter
}

func newConn(sock socket, principal models.Principal) *Conn {
	return &Conn{
		id:        uuid.New().String(),
		sock:      sock,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		principal: principal,
		limiter:   ratelimit.NewMsgLimiter(),
	}
}

// enqueue queues a frame for delivery. Frames to slow or closed peers
// are dropped.
func (c *Conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// closeWith sends a close frame with the given code and shuts the
// socket down. Safe to call more than once.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.done)
		c.sock.Close()
	})
}

// close shuts the socket down without a close frame (peer already gone).
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}

// Server orchestrates document WebSocket upgrades and per-connection
// lifecycles.
type Server struct {
	registry *Registry
	sessions *auth.SessionGate
	access   auth.AccessStore
	conns    *ratelimit.ConnLimiter
	log      *logger.ComponentLogger
}

func NewServer(registry *Registry, sessions *auth.SessionGate, access auth.AccessStore, conns *ratelimit.ConnLimiter) *Server {
	return &Server{
		registry: registry,
		sessions: sessions,
		access:   access,
		conns:    conns,
		log:      logger.Component("collab"),
	}
}

// HandleCollaboration runs the upgrade sequence for GET
// /collaboration/{roomName}: rate check, session, room name, access,
// upgrade, room registration, first frames.
func (s *Server) HandleCollaboration(w http.ResponseWriter, r *http.Request, roomName string) {
	if !s.conns.Allow(ratelimit.ClientIP(r)) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	principal, err := s.sessions.ValidateRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	docID, err := ParseRoomName(roomName)
	if err != nil {
		http.Error(w, "Invalid room name", http.StatusBadRequest)
		return
	}

	allowed, err := auth.CanAccessDocument(r.Context(), s.access, docID, principal)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade failed: %v", err)
		return
	}

	room, err := s.registry.Acquire(r.Context(), roomName)
	if err != nil {
		sock.Close()
		return
	}

	conn := newConn(sock, *principal)
	conn.room = room
	room.register(conn)

	go conn.writePump()
	go s.readPump(conn)
}

// readPump reads frames from the socket until it closes, applying the
// message rate limit before dispatch. On exit the connection is
// released from its room.
func (s *Server) readPump(c *Conn) {
	defer func() {
		s.registry.Release(c)
		c.close()
	}()

	c.sock.SetReadLimit(maxFrameSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, frame, err := c.sock.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.closeWith(models.CloseMessageTooBig, "Message too large")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read error: %v", err)
			}
			return
		}

		if !c.limiter.Allow() {
			if c.limiter.Exhausted() {
				c.closeWith(models.ClosePolicyViolation, "Rate limit exceeded")
				return
			}
			continue
		}

		if messageType == websocket.BinaryMessage {
			c.room.HandleFrame(c, frame)
		}
	}
}

// writePump delivers queued frames and keeps the connection alive with
// pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.BinaryMessage, frame); err != nil {
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
