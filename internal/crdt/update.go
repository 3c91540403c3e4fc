package crdt

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies an item or operation: a replica client id plus a
// per-replica logical clock.
type ID struct {
	Client uint64 `json:"c"`
	Clock  uint64 `json:"k"`
}

// op kinds
const (
	opElement = "el"
	opChar    = "ch"
	opDelete  = "del"
)

// op is a single replicated operation. Inserts carry their position
// (parent + left origin sibling); deletes carry a target. Every op has
// its own ID so state-vector diffs cover deletions too.
type op struct {
	ID     ID                `json:"id"`
	Kind   string            `json:"op"`
	Parent *ID               `json:"p,omitempty"`
	Left   *ID               `json:"l,omitempty"`
	Tag    string            `json:"t,omitempty"`
	Attrs  map[string]string `json:"a,omitempty"`
	Ch     string            `json:"ch,omitempty"`
	Marks  string            `json:"m,omitempty"`
	Target *ID               `json:"tg,omitempty"`
}

func encodeOps(ops []op) ([]byte, error) {
	return json.Marshal(ops)
}

func decodeOps(update []byte) ([]op, error) {
	var ops []op
	if err := json.Unmarshal(update, &ops); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return ops, nil
}

// encodeStateVector serializes a max-clock-per-client map. Client ids
// become decimal strings because JSON object keys must be strings.
func encodeStateVector(sv map[uint64]uint64) []byte {
	out := make(map[string]uint64, len(sv))
	for client, clock := range sv {
		out[strconv.FormatUint(client, 10)] = clock
	}
	data, _ := json.Marshal(out)
	return data
}

func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(data) == 0 {
		return sv, nil
	}
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	for key, clock := range raw {
		client, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode state vector client %q: %w", key, err)
		}
		sv[client] = clock
	}
	return sv, nil
}

// greater is the tiebreak order for concurrent inserts sharing a left
// origin: later (clock, client) integrates closer to the origin.
func greater(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Client > b.Client
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
