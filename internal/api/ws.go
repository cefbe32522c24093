package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codetogether/codetogether/internal/logging"
	"github.com/codetogether/codetogether/internal/metrics"
	"github.com/codetogether/codetogether/pkg/models"
)

// Ephemeral event types carried on the WebSocket stream. Snapshot and
// presence notifications travel over SSE only; the WebSocket channel is for
// fine-grained, non-authoritative signals.
func isStreamEvent(eventType string) bool {
	switch eventType {
	case models.EventCodeChange, models.EventCursorMove, models.EventUserJoin, models.EventUserLeave:
		return true
	}
	return false
}

// handleWS runs the event-stream mode for one participant connection:
// inbound events are appended to the session log and fanned out; outbound,
// the session's stream events are forwarded to the socket. The client is
// responsible for ignoring events it authored itself.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}
	defer conn.Close()

	ch := s.broadcaster.Subscribe(sessionID)
	defer s.broadcaster.Unsubscribe(sessionID, ch)
	metrics.SetWSConnectionsActive(int64(s.broadcaster.Total()))
	defer func() { metrics.SetWSConnectionsActive(int64(s.broadcaster.Total())) }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer: forward stream events to the socket.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if !isStreamEvent(event.Type) {
					continue
				}
				if err := conn.WriteJSON(event); err != nil {
					logging.Debug("ws write failed, closing",
						zap.String("session_id", sessionID),
						zap.Error(err))
					cancel()
					conn.Close()
					return
				}
			}
		}
	}()

	// Reader: append inbound events and fan them out.
	for {
		var event models.Event
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("ws read failed",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
			return
		}
		if !isStreamEvent(event.Type) {
			continue
		}
		// The URL, not the payload, decides the session.
		event.SessionID = sessionID
		event.ID = ""
		event.CreatedAt = time.Now()

		if err := s.store.AppendEvent(ctx, &event); err != nil {
			// Log only: the event stream is transient, losing the
			// durable copy does not lose document state.
			logging.Warn("event append failed",
				zap.String("session_id", sessionID),
				zap.String("type", event.Type),
				zap.Error(err))
		}
		s.broadcaster.Publish(event)
	}
}
