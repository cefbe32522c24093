package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codetogether/codetogether/pkg/models"
)

// EventStream is the event-stream mode transport: a WebSocket carrying
// ephemeral collaboration events (cursor moves, content deltas, join/leave).
// Events authored by the local participant are filtered out on receive so a
// participant never echoes its own edits back to itself.
type EventStream struct {
	conn      *websocket.Conn
	sessionID string
	userID    string
	events    chan models.Event
	log       *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialEventStream connects to the session's WebSocket endpoint.
func DialEventStream(ctx context.Context, baseURL, sessionID, userID string, log *zap.Logger) (*EventStream, error) {
	if log == nil {
		log = zap.NewNop()
	}
	url := strings.TrimSuffix(baseURL, "/") + "/api/v1/sessions/" + sessionID + "/ws"
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &EventStream{
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		events:    make(chan models.Event, 100),
		log:       log,
	}
	go s.readLoop()
	return s, nil
}

// Events returns the channel of events authored by other participants.
// It closes when the connection ends.
func (s *EventStream) Events() <-chan models.Event {
	return s.events
}

// Send publishes one ephemeral event with the given payload.
func (s *EventStream) Send(eventType string, data any) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		raw = encoded
	}
	event := models.Event{
		SessionID: s.sessionID,
		UserID:    s.userID,
		Type:      eventType,
		Data:      raw,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	return nil
}

func (s *EventStream) readLoop() {
	defer close(s.events)
	for {
		var event models.Event
		if err := s.conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("event stream closed",
					zap.String("session_id", s.sessionID),
					zap.Error(err))
			}
			return
		}
		if event.UserID == s.userID {
			continue // own echo
		}
		select {
		case s.events <- event:
		default:
			s.log.Debug("event dropped, channel full",
				zap.String("type", event.Type))
		}
	}
}

// Close tears the connection down. The Events channel closes shortly after.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
