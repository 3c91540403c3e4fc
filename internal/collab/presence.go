package collab

// PresenceTracker holds the ephemeral per-client presence state of one
// room: last-writer-wins per client presence id, keyed by the id the
// client itself advertises in its presence payload. It is not safe for
// concurrent use; the room mutex serializes access.
type PresenceTracker struct {
	states   map[uint64]*PresenceEntry
	onChange func(delta []byte, origin *Conn)
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{states: make(map[uint64]*PresenceEntry)}
}

// OnChange registers the broadcast callback fired with an encoded delta
// of the entries that changed.
func (t *PresenceTracker) OnChange(fn func(delta []byte, origin *Conn)) {
	t.onChange = fn
}

// ApplyUpdate merges a client presence payload. The first entry's id is
// returned so the connection can record its advertised presence id for
// disconnect cleanup. Entries with an older clock are ignored; an empty
// state marks removal.
func (t *PresenceTracker) ApplyUpdate(payload []byte, origin *Conn) (uint64, bool, error) {
	entries, err := DecodePresencePayload(payload)
	if err != nil {
		return 0, false, err
	}
	var changed []PresenceEntry
	for _, e := range entries {
		prev, ok := t.states[e.ID]
		if ok && prev.Clock >= e.Clock {
			continue
		}
		entry := e
		if len(e.State) == 0 {
			delete(t.states, e.ID)
			entry.State = nil
		} else {
			t.states[e.ID] = &entry
		}
		changed = append(changed, entry)
	}
	if len(changed) > 0 && t.onChange != nil {
		t.onChange(EncodePresencePayload(changed), origin)
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[0].ID, true, nil
}

// Remove drops a presence id on disconnect and broadcasts its removal
// with a bumped clock.
func (t *PresenceTracker) Remove(id uint64) {
	prev, ok := t.states[id]
	if !ok {
		return
	}
	delete(t.states, id)
	removal := []PresenceEntry{{ID: id, Clock: prev.Clock + 1}}
	if t.onChange != nil {
		t.onChange(EncodePresencePayload(removal), nil)
	}
}

// Snapshot encodes every live entry, or nil when no client is present.
func (t *PresenceTracker) Snapshot() []byte {
	if len(t.states) == 0 {
		return nil
	}
	entries := make([]PresenceEntry, 0, len(t.states))
	for _, e := range t.states {
		entries = append(entries, *e)
	}
	return EncodePresencePayload(entries)
}

// Count returns the number of live presence entries.
func (t *PresenceTracker) Count() int {
	return len(t.states)
}
