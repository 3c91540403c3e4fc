// Package crdt implements the replicated document tree backing the
// collaboration server: an op-based CRDT with RGA sibling ordering,
// tombstone deletes, and state-vector synchronization. Updates and
// state vectors are opaque byte blobs on the wire.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// NodeKind discriminates materialized tree nodes.
type NodeKind int

const (
	ElementNode NodeKind = iota
	CharNode
)

// Node is a snapshot of a live item. Element nodes carry Tag, Attrs and
// Children; char nodes carry a single rune and its marks key.
type Node struct {
	ID       ID
	Kind     NodeKind
	Tag      string
	Attrs    map[string]string
	Children []*Node
	Rune     rune
	Marks    string
}

type item struct {
	id      ID
	kind    string // opElement or opChar
	parent  *ID    // nil = root fragment
	left    *ID
	tag     string
	attrs   map[string]string
	ch      rune
	marks   string
	deleted bool
}

// rootKey indexes the root fragment's child list.
var rootKey = ID{}

// UpdateHandler receives the encoded ops of one transaction or applied
// update, with the origin it was tagged with.
type UpdateHandler func(update []byte, origin string)

// Doc is a replicated document tree. All methods are safe for
// concurrent use.
type Doc struct {
	mu       sync.Mutex
	client   uint64
	clock    uint64
	items    map[ID]*item
	children map[ID][]ID // integrated child order per parent
	applied  map[ID]bool // op ids already applied (inserts and deletes)
	sv       map[uint64]uint64
	log      []op
	pending  []op
	handlers []UpdateHandler
}

// NewDoc creates an empty document with a fresh random client id.
func NewDoc() *Doc {
	var buf [8]byte
	rand.Read(buf[:])
	// 53-bit ids survive JSON number round-trips in any client runtime
	client := binary.BigEndian.Uint64(buf[:]) & ((1 << 53) - 1)
	return &Doc{
		client:   client,
		items:    make(map[ID]*item),
		children: make(map[ID][]ID),
		applied:  make(map[ID]bool),
		sv:       make(map[uint64]uint64),
	}
}

// ClientID returns this replica's client id.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// OnUpdate registers a handler fired once per non-empty transaction or
// applied update, after the doc mutex is released.
func (d *Doc) OnUpdate(h UpdateHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Transact runs fn against a transaction. All ops in the transaction
// are integrated atomically; handlers observe them as one update.
func (d *Doc) Transact(origin string, fn func(tx *Tx)) {
	d.mu.Lock()
	tx := &Tx{doc: d}
	fn(tx)
	var update []byte
	if len(tx.ops) > 0 {
		update, _ = encodeOps(tx.ops)
	}
	handlers := d.handlers
	d.mu.Unlock()

	if update != nil {
		for _, h := range handlers {
			h(update, origin)
		}
	}
}

// ApplyUpdate integrates a remote update. Already-seen ops are skipped;
// ops whose parent, left origin or delete target has not arrived yet
// are buffered until their dependencies do. Handlers fire with the ops
// actually applied.
func (d *Doc) ApplyUpdate(update []byte, origin string) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var fresh []op
	for _, o := range ops {
		if d.applied[o.ID] {
			continue
		}
		fresh = append(fresh, o)
	}
	applied := d.integrateAll(fresh)

	var out []byte
	if len(applied) > 0 {
		out, _ = encodeOps(applied)
	}
	handlers := d.handlers
	d.mu.Unlock()

	if out != nil {
		for _, h := range handlers {
			h(out, origin)
		}
	}
	return nil
}

// integrateAll applies ops plus any previously pending ops whose
// dependencies they satisfy, looping to a fixpoint. Caller holds mu.
func (d *Doc) integrateAll(ops []op) []op {
	queue := append(ops, d.pending...)
	d.pending = nil

	var applied []op
	for {
		var stuck []op
		progress := false
		for _, o := range queue {
			if d.applied[o.ID] {
				continue
			}
			if d.integrateOne(o) {
				applied = append(applied, o)
				progress = true
			} else {
				stuck = append(stuck, o)
			}
		}
		if !progress || len(stuck) == 0 {
			d.pending = stuck
			break
		}
		queue = stuck
	}
	return applied
}

// integrateOne applies a single op, returning false when a dependency
// is missing. Caller holds mu.
func (d *Doc) integrateOne(o op) bool {
	switch o.Kind {
	case opDelete:
		if o.Target == nil {
			return true // malformed; swallow
		}
		it, ok := d.items[*o.Target]
		if !ok {
			return false
		}
		it.deleted = true
	case opElement, opChar:
		if o.Parent != nil {
			if _, ok := d.items[*o.Parent]; !ok {
				return false
			}
		}
		if o.Left != nil {
			if _, ok := d.items[*o.Left]; !ok {
				return false
			}
		}
		d.place(o)
	default:
		return true // unknown op kind; swallow
	}
	d.applied[o.ID] = true
	d.log = append(d.log, o)
	if o.ID.Clock > d.sv[o.ID.Client] {
		d.sv[o.ID.Client] = o.ID.Clock
	}
	return true
}

// place inserts an item into its parent's child list using RGA
// ordering: start right of the left origin, then skip each concurrent
// sibling with the same origin and a greater id — together with the
// entire run chained onto it (items whose left origin lies in the
// skipped region), so multi-item runs stay contiguous and every
// replica integrates to the same order.
func (d *Doc) place(o op) {
	key := rootKey
	if o.Parent != nil {
		key = *o.Parent
	}
	siblings := d.children[key]

	idx := 0
	if o.Left != nil {
		for i, sid := range siblings {
			if sid == *o.Left {
				idx = i + 1
				break
			}
		}
	}
	skipped := make(map[ID]bool)
	for idx < len(siblings) {
		s := d.items[siblings[idx]]
		if sameID(s.left, o.Left) {
			if !greater(s.id, o.ID) {
				break
			}
			skipped[s.id] = true
			idx++
			continue
		}
		if s.left != nil && skipped[*s.left] {
			skipped[s.id] = true
			idx++
			continue
		}
		break
	}

	siblings = append(siblings, ID{})
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = o.ID
	d.children[key] = siblings

	it := &item{
		id:     o.ID,
		kind:   o.Kind,
		parent: o.Parent,
		left:   o.Left,
		tag:    o.Tag,
		attrs:  o.Attrs,
		marks:  o.Marks,
	}
	if o.Kind == opChar {
		for _, r := range o.Ch {
			it.ch = r
			break
		}
	}
	d.items[o.ID] = it
}

// StateVector returns this replica's encoded state vector.
func (d *Doc) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.sv)
}

// DiffUpdate encodes every op the holder of the given state vector is
// missing. A nil or empty vector yields the full history.
func (d *Doc) DiffUpdate(sv []byte) ([]byte, error) {
	remote, err := decodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var missing []op
	for _, o := range d.log {
		if o.ID.Clock > remote[o.ID.Client] {
			missing = append(missing, o)
		}
	}
	if missing == nil {
		missing = []op{}
	}
	return encodeOps(missing)
}

// EncodeState returns the full op history as a single update blob.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, _ := encodeOps(d.log)
	return data
}

// Root returns a snapshot of the live tree under the root fragment.
func (d *Doc) Root() []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.materialize(rootKey)
}

// materialize builds the live subtree for a parent. Caller holds mu.
func (d *Doc) materialize(key ID) []*Node {
	var nodes []*Node
	for _, cid := range d.children[key] {
		it := d.items[cid]
		if it.deleted {
			continue
		}
		n := &Node{ID: it.id, Attrs: it.attrs}
		switch it.kind {
		case opElement:
			n.Kind = ElementNode
			n.Tag = it.tag
			n.Children = d.materialize(it.id)
		case opChar:
			n.Kind = CharNode
			n.Rune = it.ch
			n.Marks = it.marks
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// Tx is a write handle valid only inside Transact.
type Tx struct {
	doc *Doc
	ops []op
}

func (tx *Tx) nextID() ID {
	tx.doc.clock++
	return ID{Client: tx.doc.client, Clock: tx.doc.clock}
}

func (tx *Tx) insert(o op) {
	tx.doc.integrateOne(o)
	tx.ops = append(tx.ops, o)
}

// lastChild returns the current tail of a parent's child list,
// tombstoned or not, so appends chain stably.
func (tx *Tx) lastChild(parent *ID) *ID {
	key := rootKey
	if parent != nil {
		key = *parent
	}
	siblings := tx.doc.children[key]
	if len(siblings) == 0 {
		return nil
	}
	last := siblings[len(siblings)-1]
	return &last
}

// AddElement appends an element node under parent (nil = root) and
// returns its id.
func (tx *Tx) AddElement(parent *ID, tag string, attrs map[string]string) ID {
	o := op{
		ID:     tx.nextID(),
		Kind:   opElement,
		Parent: parent,
		Left:   tx.lastChild(parent),
		Tag:    tag,
		Attrs:  attrs,
	}
	tx.insert(o)
	return o.ID
}

// InsertCharAfter inserts one rune under parent, right of left
// (nil = head), and returns its id.
func (tx *Tx) InsertCharAfter(parent *ID, left *ID, r rune, marks string) ID {
	o := op{
		ID:     tx.nextID(),
		Kind:   opChar,
		Parent: parent,
		Left:   left,
		Ch:     string(r),
		Marks:  marks,
	}
	tx.insert(o)
	return o.ID
}

// AddText appends the runes of text under parent, all carrying the
// same marks key.
func (tx *Tx) AddText(parent *ID, text string, marks string) {
	left := tx.lastChild(parent)
	for _, r := range text {
		id := tx.InsertCharAfter(parent, left, r, marks)
		left = &id
	}
}

// Delete tombstones a single item.
func (tx *Tx) Delete(target ID) {
	o := op{
		ID:     tx.nextID(),
		Kind:   opDelete,
		Target: &target,
	}
	tx.insert(o)
}

// Clear tombstones every live item in the document.
func (tx *Tx) Clear() {
	tx.clearChildren(rootKey)
}

func (tx *Tx) clearChildren(key ID) {
	// snapshot: Delete appends to the log but child lists are stable
	ids := append([]ID(nil), tx.doc.children[key]...)
	for _, cid := range ids {
		it := tx.doc.items[cid]
		if it.deleted {
			continue
		}
		tx.clearChildren(cid)
		tx.Delete(cid)
	}
}
