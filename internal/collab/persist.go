package collab

import (
	"context"
	"time"

	"github.com/teamspace/backend/internal/content"
)

// Debounce interval between sustained edits and their persistence write
const writeDebounce = 2 * time.Second

// scheduleWriteLocked arms (or re-arms) the per-room debounce timer.
// Caller holds r.mu.
func (r *Room) scheduleWriteLocked() {
	r.dirty = true
	if r.writeTimer != nil {
		r.writeTimer.Reset(writeDebounce)
		return
	}
	r.writeTimer = time.AfterFunc(writeDebounce, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.flushLocked()
	})
}

// flushLocked performs the persistence write: encoded CRDT state plus
// properties derived from the content tree merged over the stored ones.
// A tree that is effectively empty while the room was loaded from a
// content fallback is never written; stale sync must not zero the
// store. Errors are logged and dropped; the next mutation retries
// naturally. Caller holds r.mu.
func (r *Room) flushLocked() {
	if r.writeTimer != nil {
		r.writeTimer.Stop()
		r.writeTimer = nil
	}
	if !r.dirty {
		return
	}
	r.dirty = false

	if r.fallback && contentEmptyLocked(r) {
		r.log.Warn("room %s: skipping write of effectively empty tree", r.name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tree := content.Lower(r.doc)
	derived := content.DeriveProperties(tree)

	rec, err := r.registry.store.GetCollabDocument(ctx, r.docID)
	if err != nil {
		r.log.Error("room %s: persist fetch failed: %v", r.name, err)
		return
	}
	if rec == nil {
		r.log.Warn("room %s: document deleted, dropping write", r.name)
		return
	}

	properties := content.MergeProperties(rec.Properties, derived)
	if err := r.registry.store.UpdateDocumentState(ctx, r.docID, r.doc.EncodeState(), properties); err != nil {
		r.log.Error("room %s: persist failed: %v", r.name, err)
		return
	}
	r.log.Debug("room %s: persisted state", r.name)
}
