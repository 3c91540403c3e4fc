package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teamspace/backend/internal/logger"
	"github.com/teamspace/backend/internal/models"
	redispkg "github.com/teamspace/backend/internal/redis"
)

// DocumentStore is the storage slice the registry and its rooms need.
// *db.DB satisfies it.
type DocumentStore interface {
	GetCollabDocument(ctx context.Context, id uuid.UUID) (*models.CollabDocument, error)
	UpdateDocumentState(ctx context.Context, id uuid.UUID, crdtState []byte, properties json.RawMessage) error
	GetWorkspaceRole(ctx context.Context, workspaceID, userID uuid.UUID) (string, error)
}

// Registry is the process-wide mapping from room name to live room.
// Its mutex is held only for map mutations; room operations take the
// room mutex afterwards.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	store  DocumentStore
	pubsub *redispkg.PubSub // nil disables cross-instance fan-out
	log    *logger.ComponentLogger
}

// NewRegistry creates a registry. pubsub may be nil for single-instance
// deployments.
func NewRegistry(store DocumentStore, pubsub *redispkg.PubSub) *Registry {
	reg := &Registry{
		rooms:  make(map[string]*Room),
		store:  store,
		pubsub: pubsub,
		log:    logger.Component("registry"),
	}
	if pubsub != nil {
		pubsub.Subscribe(redispkg.InvalidationChannel(), reg.handleRemoteInvalidation)
	}
	return reg
}

// Acquire returns the live room for a room name, loading it from
// storage on first open.
func (reg *Registry) Acquire(ctx context.Context, name string) (*Room, error) {
	docID, err := ParseRoomName(name)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	room, exists := reg.rooms[name]
	if !exists {
		room = newRoom(reg, name, docID)
		reg.rooms[name] = room
	}
	reg.mu.Unlock()

	room.loadOnce.Do(func() {
		room.mu.Lock()
		defer room.mu.Unlock()
		room.loadLocked(ctx)
	})
	return room, nil
}

// Release detaches a connection from its room.
func (reg *Registry) Release(c *Conn) {
	if c.room != nil {
		c.room.unregister(c)
	}
}

// evict removes an empty room after its teardown grace period.
func (reg *Registry) evict(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.conns) > 0 {
		return
	}
	room.cancelTimersLocked()
	if reg.rooms[room.name] == room {
		delete(reg.rooms, room.name)
	}
	reg.log.Info("room %s evicted", room.name)
}

// roomsForDoc snapshots every live room whose uuid matches.
func (reg *Registry) roomsForDoc(docID uuid.UUID) []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var matched []*Room
	for _, room := range reg.rooms {
		if room.docID == docID {
			matched = append(matched, room)
		}
	}
	return matched
}

func (reg *Registry) allRooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// dropRoom closes a room's connections with a code, cancels its pending
// writes, and removes it so the next open reloads from storage.
func (reg *Registry) dropRoom(room *Room, code int, reason string) {
	room.mu.Lock()
	room.closeAllLocked(code, reason)
	room.cancelTimersLocked()
	room.mu.Unlock()

	reg.mu.Lock()
	if reg.rooms[room.name] == room {
		delete(reg.rooms, room.name)
	}
	reg.mu.Unlock()
}

// InvalidateDocumentCache closes every connection to the document with
// code 4101 and drops its rooms; the next connection reloads from
// storage. Called by the REST layer after out-of-band content changes.
func (reg *Registry) InvalidateDocumentCache(docID uuid.UUID) {
	reg.invalidateLocal(docID)
	if reg.pubsub != nil {
		reg.pubsub.Publish(redispkg.InvalidationChannel(), redispkg.TypeInvalidate,
			map[string]string{"docId": docID.String()})
	}
}

func (reg *Registry) invalidateLocal(docID uuid.UUID) {
	for _, room := range reg.roomsForDoc(docID) {
		reg.dropRoom(room, models.CloseContentUpdated, "Content updated")
	}
}

// InvalidateAllDocumentCaches drops every live room.
func (reg *Registry) InvalidateAllDocumentCaches() {
	for _, room := range reg.allRooms() {
		reg.dropRoom(room, models.CloseContentUpdated, "Content updated")
	}
	if reg.pubsub != nil {
		reg.pubsub.Publish(redispkg.InvalidationChannel(), redispkg.TypeInvalidateAll, struct{}{})
	}
}

// NotifyDocumentConversion closes connections to the old document with
// code 4100 and a reason payload naming the successor.
func (reg *Registry) NotifyDocumentConversion(oldID, newID uuid.UUID, oldType, newType string) {
	reason, _ := json.Marshal(models.ConversionReason{
		NewDocID:   newID.String(),
		NewDocType: newType,
	})
	for _, room := range reg.roomsForDoc(oldID) {
		room.mu.Lock()
		room.closeAllLocked(models.CloseDocConverted, string(reason))
		room.mu.Unlock()
	}
	reg.log.Info("document %s converted from %s to %s (%s)", oldID, oldType, newType, newID)
}

// HandleVisibilityChange closes connections whose principal no longer
// qualifies after a document becomes private. Workspace visibility
// revokes nothing.
func (reg *Registry) HandleVisibilityChange(docID uuid.UUID, newVisibility string, creatorID uuid.UUID) {
	if newVisibility == models.VisibilityWorkspace {
		return
	}
	// bounded like the other store calls made under room.mu; a hung
	// lookup must not wedge the room
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, room := range reg.roomsForDoc(docID) {
		room.mu.Lock()
		for c := range room.conns {
			if c.principal.UserID == creatorID {
				continue
			}
			role, err := reg.store.GetWorkspaceRole(ctx, c.principal.WorkspaceID, c.principal.UserID)
			if err == nil && role == models.RoleAdmin {
				continue
			}
			c.closeWith(models.CloseAccessRevoked, "Document access revoked")
		}
		room.mu.Unlock()
	}
}

// handleRemoteInvalidation applies invalidations published by sibling
// instances.
func (reg *Registry) handleRemoteInvalidation(channel string, payload []byte) {
	var envelope redispkg.Message
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return
	}
	switch envelope.Type {
	case redispkg.TypeInvalidate:
		var body struct {
			DocID string `json:"docId"`
		}
		if err := json.Unmarshal(envelope.Payload, &body); err != nil {
			return
		}
		docID, err := uuid.Parse(body.DocID)
		if err != nil {
			return
		}
		reg.invalidateLocal(docID)
	case redispkg.TypeInvalidateAll:
		for _, room := range reg.allRooms() {
			reg.dropRoom(room, models.CloseContentUpdated, "Content updated")
		}
	}
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// ConnCount returns the number of live connections across all rooms.
func (reg *Registry) ConnCount() int {
	total := 0
	for _, room := range reg.allRooms() {
		total += room.ConnCount()
	}
	return total
}

// Shutdown flushes every dirty room and closes all connections. Called
// once at server stop.
func (reg *Registry) Shutdown() {
	for _, room := range reg.allRooms() {
		room.mu.Lock()
		room.flushLocked()
		room.closeAllLocked(1001, "Server shutting down")
		room.cancelTimersLocked()
		room.mu.Unlock()
	}
	reg.mu.Lock()
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()
}
