package content

import (
	"encoding/json"
	"strings"
)

// PropertyKeys are the derived fields persisted alongside a document.
// Each is extracted from the first element of the same type in the
// content tree; a missing or blank element clears the stored value.
var PropertyKeys = []string{"hypothesis", "successCriteria", "vision", "goals"}

// DeriveProperties scans a document tree for the well-known property
// elements. Every key is present in the result; nil means "clear".
func DeriveProperties(doc *Node) map[string]*string {
	props := make(map[string]*string, len(PropertyKeys))
	for _, key := range PropertyKeys {
		props[key] = nil
	}
	if doc == nil {
		return props
	}
	for _, key := range PropertyKeys {
		if el := findElement(doc, key); el != nil {
			text := strings.TrimSpace(collectText(el))
			if text != "" {
				value := text
				props[key] = &value
			}
		}
	}
	return props
}

// MergeProperties overlays derived values onto the stored properties
// JSON, writing explicit nulls for cleared keys so stale values do not
// survive.
func MergeProperties(existing json.RawMessage, derived map[string]*string) json.RawMessage {
	merged := make(map[string]interface{})
	if len(existing) > 0 {
		// stored properties are free-form; unknown keys pass through
		_ = json.Unmarshal(existing, &merged)
	}
	for key, val := range derived {
		if val == nil {
			merged[key] = nil
		} else {
			merged[key] = *val
		}
	}
	data, _ := json.Marshal(merged)
	return data
}

func findElement(n *Node, typ string) *Node {
	if n.Type == typ {
		return n
	}
	for _, child := range n.Content {
		if found := findElement(child, typ); found != nil {
			return found
		}
	}
	return nil
}

func collectText(n *Node) string {
	if n.Type == "text" {
		return n.Text
	}
	var sb strings.Builder
	for _, child := range n.Content {
		sb.WriteString(collectText(child))
	}
	return sb.String()
}
