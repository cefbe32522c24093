// Package api provides the sync server's HTTP surface: session snapshots,
// presence, and the change-notification channels (SSE and WebSocket).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codetogether/codetogether/internal/events"
	"github.com/codetogether/codetogether/internal/logging"
	"github.com/codetogether/codetogether/internal/metrics"
	"github.com/codetogether/codetogether/internal/store/postgres"
	"github.com/codetogether/codetogether/pkg/models"
	"github.com/codetogether/codetogether/pkg/presence"
	"github.com/codetogether/codetogether/pkg/protocol"
	"github.com/codetogether/codetogether/pkg/tree"
)

const eventLogLimit = 500

// Server is the HTTP server.
type Server struct {
	store          *postgres.Store
	broadcaster    *events.Broadcaster
	presenceWindow time.Duration
	upgrader       websocket.Upgrader
}

// NewServer creates a new server. A zero presenceWindow selects the default.
func NewServer(store *postgres.Store, broadcaster *events.Broadcaster, presenceWindow time.Duration) *Server {
	if presenceWindow <= 0 {
		presenceWindow = presence.DefaultWindow
	}
	return &Server{
		store:          store,
		broadcaster:    broadcaster,
		presenceWindow: presenceWindow,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSnapshot)
	mux.HandleFunc("POST /api/v1/sessions/{id}", s.handleCreateSession)
	mux.HandleFunc("PUT /api/v1/sessions/{id}", s.handlePutSnapshot)

	mux.HandleFunc("POST /api/v1/sessions/{id}/presence", s.handlePresence)
	mux.HandleFunc("GET /api/v1/sessions/{id}/participants", s.handleParticipants)

	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events/log", s.handleEventLog)
	mux.HandleFunc("GET /api/v1/sessions/{id}/ws", s.handleWS)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	doc, err := s.store.GetDocument(r.Context(), sessionID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil {
		s.sendError(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.SnapshotResponse{
		SessionID: sessionID,
		Files:     doc.Files,
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	files := models.DefaultFiles()
	created, err := s.store.CreateDocument(r.Context(), sessionID, files)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to create session: "+err.Error())
		return
	}

	resp := protocol.CreateSessionResponse{SessionID: sessionID, Created: created, Files: files, Version: 1}
	if !created {
		// Lost the initialization race: return the winner's document.
		doc, err := s.store.GetDocument(r.Context(), sessionID)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if doc != nil {
			resp.Files = doc.Files
			resp.Version = doc.Version
		}
	} else {
		metrics.SetSnapshotTreeSize(int64(tree.CountNodes(files)))
		s.publishSnapshot(sessionID, "", 1)
	}

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req protocol.PutSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	version, err := s.store.UpsertDocument(r.Context(), sessionID, req.Files, req.BaseVersion)
	if errors.Is(err, models.ErrStaleWrite) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(protocol.ConflictResponse{
			Error:          "stale snapshot write",
			BaseVersion:    req.BaseVersion,
			CurrentVersion: version,
		})
		return
	}
	if errors.Is(err, models.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to persist snapshot: "+err.Error())
		return
	}

	metrics.SetSnapshotTreeSize(int64(tree.CountNodes(req.Files)))
	s.publishSnapshot(sessionID, req.UserID, version)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.PutSnapshotResponse{Version: version})
}

// publishSnapshot notifies the session that a new snapshot is durable.
// Subscribers re-fetch rather than trusting an inline copy: deliveries can
// be reordered across writers and the fetch always observes the last write.
func (s *Server) publishSnapshot(sessionID, userID string, version int64) {
	data, _ := json.Marshal(models.SnapshotData{Version: version})
	s.broadcaster.Publish(models.Event{
		SessionID: sessionID,
		UserID:    userID,
		Type:      models.EventSnapshot,
		Data:      data,
	})
}

// ─── Presence ───────────────────────────────────────────────────────────────

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req protocol.PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.UserID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	p := &models.Participant{
		SessionID:  sessionID,
		UserID:     req.UserID,
		UserName:   req.UserName,
		ActiveFile: req.ActiveFile,
		LastSeen:   time.Now(),
	}
	if err := s.store.UpsertParticipant(r.Context(), p); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to upsert presence: "+err.Error())
		return
	}

	s.broadcaster.Publish(models.Event{
		SessionID: sessionID,
		UserID:    req.UserID,
		Type:      models.EventPresence,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	threshold := time.Now().Add(-s.presenceWindow)
	participants, err := s.store.ListActiveSince(r.Context(), sessionID, threshold)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list participants: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.ParticipantsResponse{
		Participants: participants,
		Count:        len(participants),
	})
}

// ─── SSE events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(sessionID)
	defer s.broadcaster.Unsubscribe(sessionID, ch)
	metrics.SetSSEConnectionsActive(int64(s.broadcaster.Total()))
	defer func() { metrics.SetSSEConnectionsActive(int64(s.broadcaster.Total())) }()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid since timestamp: "+err.Error())
			return
		}
		since = parsed
	}

	list, err := s.store.ListEventsSince(r.Context(), sessionID, since, eventLogLimit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list events: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.EventLogResponse{Events: list})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: message, Code: code})
}
