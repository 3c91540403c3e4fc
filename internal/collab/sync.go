package collab

// HandleFrame dispatches one inbound binary frame from a connection.
// Malformed frames are dropped without closing the socket.
func (r *Room) HandleFrame(c *Conn, frame []byte) {
	msgType, n, err := ReadUvarint(frame)
	if err != nil {
		return
	}
	rest := frame[n:]

	r.mu.Lock()
	defer r.mu.Unlock()

	switch msgType {
	case MessageSync:
		r.handleSyncLocked(c, rest)
	case MessagePresence:
		payload, _, err := readLenPrefixed(rest)
		if err != nil {
			return
		}
		r.handlePresenceLocked(c, payload)
	default:
		// reserved or unknown: ignore
	}
}

func (r *Room) handleSyncLocked(c *Conn, data []byte) {
	subType, n, err := ReadUvarint(data)
	if err != nil {
		return
	}
	payload := data[n:]

	switch subType {
	case SyncStep1:
		r.handleStep1Locked(c, payload)
	case SyncStep2:
		update, _, err := readLenPrefixed(payload)
		if err != nil {
			return
		}
		r.handleUpdateLocked(c, update)
	case SyncUpdate:
		r.handleUpdateLocked(c, payload)
	}
}

// handleStep1Locked answers a client state vector with the diff the
// client is missing. While protected this is identical: the client must
// receive whatever it lacks, no shortcuts.
func (r *Room) handleStep1Locked(c *Conn, sv []byte) {
	r.expireProtectionLocked()
	if r.protection != nil {
		r.protection.touch()
	}
	diff, err := r.doc.DiffUpdate(sv)
	if err != nil {
		return
	}
	c.enqueue(EncodeSyncStep2(diff))
}

// handleUpdateLocked applies a client update. Protected rooms go
// through the protection engine; otherwise an update that empties a
// fallback-loaded tree triggers restore from storage. Broadcast and
// write scheduling happen on the doc's watch path.
func (r *Room) handleUpdateLocked(c *Conn, update []byte) {
	r.expireProtectionLocked()
	if r.protection != nil {
		r.handleProtectedUpdateLocked(c, update)
		return
	}

	if err := r.doc.ApplyUpdate(update, c.id); err != nil {
		return
	}
	if r.fallback && !r.restoring && contentEmptyLocked(r) {
		r.restoreFromStorageLocked()
	}
}

// handlePresenceLocked merges a presence payload and records the
// client-advertised presence id on the connection. The id comes from
// the payload's first record, never from the server's own replica id,
// so disconnect cleanup removes what the client actually advertised.
func (r *Room) handlePresenceLocked(c *Conn, payload []byte) {
	id, ok, err := r.presence.ApplyUpdate(payload, c)
	if err != nil {
		return
	}
	if ok && !c.hasPresence {
		c.presenceID = id
		c.hasPresence = true
	}
}
