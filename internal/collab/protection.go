package collab

import (
	"context"
	"time"

	"github.com/teamspace/backend/internal/content"
	"github.com/teamspace/backend/internal/crdt"
)

// Protection window: expires when no protected sync has occurred for
// this long. Short enough not to delay legitimate deletions, long
// enough for reconnecting clients to converge.
const protectionWindow = 10 * time.Second

// protection guards a document materialized from a non-CRDT source
// against stale client histories whose tombstones would re-delete the
// authoritative content.
type protection struct {
	restoredAt time.Time
	cached     *content.Node
	now        func() time.Time
}

func (p *protection) touch() {
	p.restoredAt = p.now()
}

func (p *protection) expired() bool {
	return p.now().Sub(p.restoredAt) > protectionWindow
}

// installProtectionLocked arms protection with the authoritative JSON
// view. Caller holds r.mu.
func (r *Room) installProtectionLocked(cached *content.Node) {
	r.protection = &protection{restoredAt: time.Now(), cached: cached, now: time.Now}
}

// expireProtectionLocked drops protection once its window has lapsed.
// Caller holds r.mu.
func (r *Room) expireProtectionLocked() {
	if r.protection != nil && r.protection.expired() {
		r.protection = nil
	}
}

// handleProtectedUpdateLocked applies a client update while protected.
// The update is applied normally, keeping CRDT convergence tracking (the
// client's tombstones enter the history); if the visible tree then
// drifts from the cached authoritative content, the cache is
// re-installed in one atomic server-origin transaction whose fresh
// timestamps defeat the stale deletions. Caller holds r.mu.
func (r *Room) handleProtectedUpdateLocked(c *Conn, update []byte) {
	if err := r.doc.ApplyUpdate(update, c.id); err != nil {
		return
	}

	p := r.protection
	if !content.Equal(content.Lower(r.doc), p.cached) {
		r.doc.Transact(originServer, func(tx *crdt.Tx) {
			tx.Clear()
			content.Lift(tx, p.cached)
		})
	}
	p.touch()
}

// restoreFromStorageLocked re-materializes the document after a stale
// merge emptied it: prefer the persisted CRDT state, else the JSON
// content; clear and re-lift in one server-origin transaction so the
// broadcast reaches every socket, then re-arm protection. Caller holds
// r.mu.
func (r *Room) restoreFromStorageLocked() {
	r.restoring = true
	defer func() { r.restoring = false }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := r.registry.store.GetCollabDocument(ctx, r.docID)
	if err != nil {
		r.log.Error("room %s: restore fetch failed: %v", r.name, err)
		return
	}
	if rec == nil {
		return
	}

	var cached *content.Node
	if len(rec.CRDTState) > 0 {
		scratch := crdt.NewDoc()
		if err := scratch.ApplyUpdate(rec.CRDTState, originServer); err != nil {
			r.log.Error("room %s: restore state unreadable: %v", r.name, err)
			return
		}
		cached = content.Lower(scratch)
	} else {
		cached, err = content.Parse(rec.Content)
		if err != nil {
			return
		}
	}
	if len(cached.Content) == 0 {
		// nothing authoritative to restore
		return
	}

	r.doc.Transact(originServer, func(tx *crdt.Tx) {
		tx.Clear()
		content.Lift(tx, cached)
	})
	r.installProtectionLocked(cached)
	r.log.Info("room %s: restored content from storage", r.name)
}

// contentEmptyLocked reports whether the live tree is effectively
// empty. Caller holds r.mu.
func contentEmptyLocked(r *Room) bool {
	return content.EffectivelyEmpty(r.doc.Root())
}
