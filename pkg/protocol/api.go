// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/codetogether/codetogether/pkg/models"
)

// SnapshotResponse is returned by GET /api/v1/sessions/{id}.
type SnapshotResponse struct {
	SessionID string         `json:"session_id"`
	Files     []*models.Node `json:"files"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateSessionResponse is returned by POST /api/v1/sessions/{id}.
// Created is false when another participant won the initialization race;
// Files then holds their document.
type CreateSessionResponse struct {
	SessionID string         `json:"session_id"`
	Created   bool           `json:"created"`
	Files     []*models.Node `json:"files"`
	Version   int64          `json:"version"`
}

// PutSnapshotRequest is the body for PUT /api/v1/sessions/{id}. BaseVersion
// is the version the writer last observed; the write is rejected as stale if
// storage has moved past it.
type PutSnapshotRequest struct {
	UserID      string         `json:"user_id"`
	Files       []*models.Node `json:"files"`
	BaseVersion int64          `json:"base_version"`
}

// PutSnapshotResponse is returned on an accepted snapshot write.
type PutSnapshotResponse struct {
	Version int64 `json:"version"`
}

// ConflictResponse is returned (409) when a snapshot write is stale.
type ConflictResponse struct {
	Error          string `json:"error"`
	BaseVersion    int64  `json:"base_version"`
	CurrentVersion int64  `json:"current_version"`
}

// PresenceRequest is the body for POST /api/v1/sessions/{id}/presence.
type PresenceRequest struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	ActiveFile string `json:"active_file,omitempty"`
}

// ParticipantsResponse is returned by GET /api/v1/sessions/{id}/participants.
type ParticipantsResponse struct {
	Participants []*models.Participant `json:"participants"`
	Count        int                   `json:"count"`
}

// EventLogResponse is returned by GET /api/v1/sessions/{id}/events/log.
type EventLogResponse struct {
	Events []*models.Event `json:"events"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
