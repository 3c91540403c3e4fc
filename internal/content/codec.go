// Package content translates between the structured JSON document form
// and the CRDT tree, and derives well-known properties from it.
package content

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/teamspace/backend/internal/crdt"
)

// ErrNotStructured marks input that is not a structured document:
// empty, XML-like, or missing the doc wrapper. Callers treat it as
// absent content.
var ErrNotStructured = errors.New("content is not a structured document")

// Mark annotates a text leaf (bold, link, ...).
type Mark struct {
	Type  string                 `json:"type"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

// Node is one node of the structured content tree. Elements have Type,
// optional Attrs and Content; text leaves have Text and optional Marks.
type Node struct {
	Type    string                 `json:"type"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
	Content []*Node                `json:"content,omitempty"`
	Text    string                 `json:"text,omitempty"`
	Marks   []Mark                 `json:"marks,omitempty"`
}

// Parse validates raw bytes as a structured document. XML-like input
// (leading '<') and anything not shaped {type:"doc", ...} is rejected
// with ErrNotStructured.
func Parse(raw []byte) (*Node, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || strings.HasPrefix(trimmed, "<") {
		return nil, ErrNotStructured
	}
	var node Node
	if err := json.Unmarshal([]byte(trimmed), &node); err != nil {
		return nil, ErrNotStructured
	}
	if node.Type != "doc" {
		return nil, ErrNotStructured
	}
	return &node, nil
}

// Lift writes a parsed document into the CRDT tree. It must run inside
// a single transaction so peers never observe a partial lift.
func Lift(tx *crdt.Tx, doc *Node) {
	for _, child := range doc.Content {
		liftNode(tx, nil, child)
	}
}

func liftNode(tx *crdt.Tx, parent *crdt.ID, n *Node) {
	if n == nil {
		return
	}
	if n.Type == "text" {
		tx.AddText(parent, n.Text, marksKey(n.Marks))
		return
	}
	id := tx.AddElement(parent, n.Type, liftAttrs(n.Attrs))
	for _, child := range n.Content {
		liftNode(tx, &id, child)
	}
}

// Lower converts the live CRDT tree back to the JSON form.
func Lower(doc *crdt.Doc) *Node {
	return &Node{Type: "doc", Content: lowerNodes(doc.Root())}
}

func lowerNodes(nodes []*crdt.Node) []*Node {
	var out []*Node
	var run []rune
	var runMarks string
	flush := func() {
		if len(run) == 0 {
			return
		}
		out = append(out, &Node{Type: "text", Text: string(run), Marks: unmarshalMarks(runMarks)})
		run = nil
	}

	for _, n := range nodes {
		switch n.Kind {
		case crdt.CharNode:
			if len(run) > 0 && n.Marks != runMarks {
				flush()
			}
			runMarks = n.Marks
			run = append(run, n.Rune)
		case crdt.ElementNode:
			flush()
			out = append(out, &Node{
				Type:    n.Tag,
				Attrs:   lowerAttrs(n.Attrs),
				Content: lowerNodes(n.Children),
			})
		}
	}
	flush()
	return out
}

// liftAttrs stores every attribute value as a string on the CRDT side.
func liftAttrs(attrs map[string]interface{}) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for key, val := range attrs {
		switch v := val.(type) {
		case string:
			out[key] = v
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(v)
		default:
			data, _ := json.Marshal(v)
			out[key] = string(data)
		}
	}
	return out
}

// lowerAttrs reverses liftAttrs. Only the level attribute is coerced
// back to an integer; everything else stays a string.
func lowerAttrs(attrs map[string]string) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for key, val := range attrs {
		if key == "level" {
			if n, err := strconv.Atoi(val); err == nil {
				out[key] = n
				continue
			}
		}
		out[key] = val
	}
	return out
}

// marksKey canonicalizes a mark set so chars with identical marks group
// back into one text leaf. encoding/json sorts attr map keys, so equal
// mark sets always produce equal keys.
func marksKey(marks []Mark) string {
	if len(marks) == 0 {
		return ""
	}
	data, _ := json.Marshal(marks)
	return string(data)
}

func unmarshalMarks(key string) []Mark {
	if key == "" {
		return nil
	}
	var marks []Mark
	if err := json.Unmarshal([]byte(key), &marks); err != nil {
		return nil
	}
	return marks
}

// EffectivelyEmpty reports whether no text descendant of the live tree
// contains a non-whitespace character.
func EffectivelyEmpty(nodes []*crdt.Node) bool {
	for _, n := range nodes {
		switch n.Kind {
		case crdt.CharNode:
			if !unicode.IsSpace(n.Rune) {
				return false
			}
		case crdt.ElementNode:
			if !EffectivelyEmpty(n.Children) {
				return false
			}
		}
	}
	return true
}

// Equal compares two content trees structurally via their canonical
// JSON encodings.
func Equal(a, b *Node) bool {
	da, _ := json.Marshal(a)
	db, _ := json.Marshal(b)
	return string(da) == string(db)
}
