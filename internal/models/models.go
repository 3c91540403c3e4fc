package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Visibility values for documents
const (
	VisibilityPrivate   = "private"
	VisibilityWorkspace = "workspace"
)

// Workspace membership roles
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Session represents an authenticated browser session
type Session struct {
	Token        string    `json:"token" db:"token"`
	UserID       uuid.UUID `json:"user_id" db:"user_id"`
	WorkspaceID  uuid.UUID `json:"workspace_id" db:"workspace_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
}

// Session timeout policy enforced at WebSocket upgrade
const (
	SessionIdleTimeout     = 15 * time.Minute
	SessionAbsoluteTimeout = 12 * time.Hour
)

// Expired reports whether the session has crossed the idle or absolute
// threshold as of now.
func (s *Session) Expired(now time.Time) bool {
	if now.Sub(s.LastActivity) > SessionIdleTimeout {
		return true
	}
	return now.Sub(s.CreatedAt) > SessionAbsoluteTimeout
}

// Principal is the authenticated identity attached to a connection
type Principal struct {
	UserID      uuid.UUID `json:"user_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
}

// CollabDocument is the slice of the documents row the collaboration
// layer reads and writes. CRDTState is authoritative when non-nil;
// Content is the denormalized JSON form.
type CollabDocument struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	CRDTState   []byte          `json:"crdt_state,omitempty" db:"crdt_state"`
	Content     json.RawMessage `json:"content,omitempty" db:"content"`
	Properties  json.RawMessage `json:"properties,omitempty" db:"properties"`
	Visibility  string          `json:"visibility" db:"visibility"`
	CreatedBy   uuid.UUID       `json:"created_by" db:"created_by"`
	WorkspaceID uuid.UUID       `json:"workspace_id" db:"workspace_id"`
}

// WorkspaceMember represents a row of the workspace membership relation
type WorkspaceMember struct {
	WorkspaceID uuid.UUID `json:"workspace_id" db:"workspace_id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Role        string    `json:"role" db:"role"`
}

// Server-initiated WebSocket close codes
const (
	ClosePolicyViolation = 1008 // rate limit violations exhausted
	CloseMessageTooBig   = 1009 // frame larger than the read limit
	CloseDocConverted    = 4100 // document converted to another type
	CloseContentUpdated  = 4101 // content changed out-of-band, reload
	CloseAccessRevoked   = 4403 // visibility change revoked access
)

// ConversionReason is the close reason payload sent with CloseDocConverted
type ConversionReason struct {
	NewDocID   string `json:"newDocId"`
	NewDocType string `json:"newDocType"`
}

// EventMessage is a frame on the per-user event channel
type EventMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event channel message types
const (
	EventTypeConnected = "connected"
	EventTypePing      = "ping"
	EventTypePong      = "pong"
)
