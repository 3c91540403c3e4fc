package collab

import (
	"errors"
	"fmt"
)

// Top-level binary message types
const (
	MessageSync     = 0
	MessagePresence = 1
	MessageCustom   = 2 // reserved
)

// Sync sub-types
const (
	SyncStep1  = 0 // state vector
	SyncStep2  = 1 // length-prefixed update
	SyncUpdate = 2 // raw update
)

var errShortFrame = errors.New("short frame")

// AppendUvarint appends v as a variable-length integer: 7-bit groups,
// most significant group first, continuation bit set on all but the
// last byte.
func AppendUvarint(buf []byte, v uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7f)
	v >>= 7
	for v > 0 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	return append(buf, tmp[i:]...)
}

// ReadUvarint decodes a variable-length integer from the head of data,
// returning the value and the number of bytes consumed.
func ReadUvarint(data []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(data); i++ {
		if i == 10 {
			return 0, 0, fmt.Errorf("varint overflow")
		}
		b := data[i]
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errShortFrame
}

func appendLenPrefixed(buf, payload []byte) []byte {
	buf = AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func readLenPrefixed(data []byte) ([]byte, int, error) {
	length, n, err := ReadUvarint(data)
	if err != nil {
		return nil, 0, err
	}
	rest := data[n:]
	if uint64(len(rest)) < length {
		return nil, 0, errShortFrame
	}
	return rest[:length], n + int(length), nil
}

// EncodeSyncStep1 frames a state vector: the server's half of the sync
// handshake.
func EncodeSyncStep1(sv []byte) []byte {
	buf := AppendUvarint(nil, MessageSync)
	buf = AppendUvarint(buf, SyncStep1)
	return append(buf, sv...)
}

// EncodeSyncStep2 frames a length-prefixed document update.
func EncodeSyncStep2(update []byte) []byte {
	buf := AppendUvarint(nil, MessageSync)
	buf = AppendUvarint(buf, SyncStep2)
	return appendLenPrefixed(buf, update)
}

// EncodePresenceFrame frames a presence payload.
func EncodePresenceFrame(payload []byte) []byte {
	buf := AppendUvarint(nil, MessagePresence)
	return appendLenPrefixed(buf, payload)
}

// PresenceEntry is one client's presence record. A nil/empty State
// marks removal.
type PresenceEntry struct {
	ID    uint64
	Clock uint64
	State []byte
}

// EncodePresencePayload serializes presence entries:
// count { id clock lenPrefixed(state) }*.
func EncodePresencePayload(entries []PresenceEntry) []byte {
	buf := AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = AppendUvarint(buf, e.ID)
		buf = AppendUvarint(buf, e.Clock)
		buf = appendLenPrefixed(buf, e.State)
	}
	return buf
}

// DecodePresencePayload parses a presence payload.
func DecodePresencePayload(payload []byte) ([]PresenceEntry, error) {
	count, n, err := ReadUvarint(payload)
	if err != nil {
		return nil, err
	}
	payload = payload[n:]
	entries := make([]PresenceEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		id, n, err := ReadUvarint(payload)
		if err != nil {
			return nil, err
		}
		payload = payload[n:]
		clock, n, err := ReadUvarint(payload)
		if err != nil {
			return nil, err
		}
		payload = payload[n:]
		state, n, err := readLenPrefixed(payload)
		if err != nil {
			return nil, err
		}
		payload = payload[n:]
		entries = append(entries, PresenceEntry{ID: id, Clock: clock, State: state})
	}
	return entries, nil
}
