package models

import (
	"encoding/json"
	"time"
)

// Collaboration event types. Snapshot and presence events are storage change
// notifications (the authoritative propagation path); the rest are ephemeral
// event-stream signals and never the source of truth for document state.
const (
	EventSnapshot   = "snapshot"
	EventPresence   = "presence"
	EventCodeChange = "code_change"
	EventCursorMove = "cursor_move"
	EventUserJoin   = "user_join"
	EventUserLeave  = "user_leave"
)

// Event is one collaboration event on a session's notification channel.
// Events are append-only and never mutated.
type Event struct {
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// SnapshotData is the payload of a snapshot event. It carries only the new
// version; subscribers re-fetch the document rather than trusting a possibly
// reordered inline copy.
type SnapshotData struct {
	Version int64 `json:"version"`
}

// CodeChangeData is the payload of a code_change event.
type CodeChangeData struct {
	FileID   string `json:"file_id"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// CursorMoveData is the payload of a cursor_move event.
type CursorMoveData struct {
	FileID   string         `json:"file_id"`
	Position CursorPosition `json:"position"`
}
