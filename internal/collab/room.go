package collab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teamspace/backend/internal/content"
	"github.com/teamspace/backend/internal/crdt"
	"github.com/teamspace/backend/internal/logger"
)

// How long an empty room survives before eviction
const teardownDelay = 30 * time.Second

var errBadRoomName = errors.New("invalid room name")

// ParseRoomName splits a "type:uuid" room name into its document id.
// The type prefix is a display hint only; two names with the same uuid
// refer to the same logical document.
func ParseRoomName(name string) (uuid.UUID, error) {
	typ, id, ok := strings.Cut(name, ":")
	if !ok || typ == "" {
		return uuid.Nil, errBadRoomName
	}
	docID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, errBadRoomName
	}
	return docID, nil
}

// Room binds a room name to a live document, its presence tracker and
// its connections. Every mutation of room state runs under mu; events
// against different rooms proceed in parallel.
type Room struct {
	name  string
	docID uuid.UUID

	mu       sync.Mutex
	doc      *crdt.Doc
	presence *PresenceTracker
	conns    map[*Conn]struct{}

	// true when the tree was materialized from a non-CRDT source;
	// gates both protection and the skip-empty persistence rule
	fallback   bool
	protection *protection
	restoring  bool
	loading    bool

	writeTimer    *time.Timer
	dirty         bool
	teardownTimer *time.Timer

	loadOnce sync.Once
	registry *Registry
	log      *logger.ComponentLogger
}

func newRoom(registry *Registry, name string, docID uuid.UUID) *Room {
	r := &Room{
		name:     name,
		docID:    docID,
		doc:      crdt.NewDoc(),
		presence: NewPresenceTracker(),
		conns:    make(map[*Conn]struct{}),
		registry: registry,
		log:      logger.Component("collab"),
	}
	// both callbacks fire on the mutating goroutine, which holds r.mu
	r.doc.OnUpdate(r.onDocUpdate)
	r.presence.OnChange(func(delta []byte, origin *Conn) {
		r.broadcastLocked(EncodePresenceFrame(delta), origin)
	})
	return r
}

// originServer tags transactions the server itself makes (lift,
// protection reinstall, restore). Connection origins are conn ids, so
// server-origin updates are never excluded from a broadcast.
const originServer = "server"

// onDocUpdate is the watch-for-change path: every applied update is
// fanned out to the room's other connections and schedules a debounced
// persistence write. Caller holds r.mu.
func (r *Room) onDocUpdate(update []byte, origin string) {
	r.broadcastLocked(EncodeSyncStep2(update), r.connByID(origin))
	if !r.loading {
		r.scheduleWriteLocked()
	}
}

func (r *Room) connByID(id string) *Conn {
	for c := range r.conns {
		if c.id == id {
			return c
		}
	}
	return nil
}

// broadcastLocked enqueues a frame on every open connection except the
// origin. Sends to disconnected peers are dropped silently. Caller
// holds r.mu.
func (r *Room) broadcastLocked(frame []byte, origin *Conn) {
	for c := range r.conns {
		if c == origin {
			continue
		}
		c.enqueue(frame)
	}
}

// load materializes the document from storage, once. A transient DB
// error leaves the room empty; the first persistence attempt may
// overwrite. Called with r.mu held.
func (r *Room) loadLocked(ctx context.Context) {
	r.loading = true
	defer func() { r.loading = false }()

	rec, err := r.registry.store.GetCollabDocument(ctx, r.docID)
	if err != nil {
		r.log.Error("room %s: load failed, starting empty: %v", r.name, err)
		return
	}
	if rec == nil {
		return
	}

	if len(rec.CRDTState) > 0 {
		// flag first: update callbacks fired during apply must see it
		r.fallback = true
		if err := r.doc.ApplyUpdate(rec.CRDTState, originServer); err != nil {
			r.log.Error("room %s: bad crdt state, starting empty: %v", r.name, err)
			return
		}
		if !content.EffectivelyEmpty(r.doc.Root()) {
			r.installProtectionLocked(content.Lower(r.doc))
		}
		return
	}

	doc, err := content.Parse(rec.Content)
	if err != nil {
		// malformed or XML-like content is treated as absent
		return
	}
	r.fallback = true
	r.doc.Transact(originServer, func(tx *crdt.Tx) {
		content.Lift(tx, doc)
	})
	if len(doc.Content) > 0 {
		r.installProtectionLocked(doc)
	}
}

// register adds a connection and performs the first-frame sequence:
// sync step 1 with the server's state vector, then the presence
// snapshot if any clients are present.
func (r *Room) register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
	r.conns[c] = struct{}{}

	c.enqueue(EncodeSyncStep1(r.doc.StateVector()))
	if snapshot := r.presence.Snapshot(); snapshot != nil {
		c.enqueue(EncodePresenceFrame(snapshot))
	}
	r.log.Info("room %s: client %s joined (total: %d)", r.name, c.id, len(r.conns))
}

// unregister removes a connection, fires its presence removal, and on
// last disconnect forces a final write and arms the teardown timer.
func (r *Room) unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	if c.hasPresence {
		r.presence.Remove(c.presenceID)
	}
	r.log.Info("room %s: client %s left (total: %d)", r.name, c.id, len(r.conns))

	if len(r.conns) > 0 {
		return
	}
	r.flushLocked()
	r.teardownTimer = time.AfterFunc(teardownDelay, func() {
		r.registry.evict(r)
	})
}

// closeAllLocked closes every connection with the given code. Caller
// holds r.mu.
func (r *Room) closeAllLocked(code int, reason string) {
	for c := range r.conns {
		c.closeWith(code, reason)
	}
}

// cancelTimersLocked stops the pending write and teardown timers.
// Caller holds r.mu.
func (r *Room) cancelTimersLocked() {
	if r.writeTimer != nil {
		r.writeTimer.Stop()
		r.writeTimer = nil
	}
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
	r.dirty = false
}

// ConnCount returns the number of live connections.
func (r *Room) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
