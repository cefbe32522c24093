package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codetogether/codetogether/pkg/models"
)

// SSEClient subscribes to one session's change-notification stream.
type SSEClient struct {
	baseURL      string
	sessionID    string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	log          *zap.Logger
}

// NewSSEClient creates a subscriber for the given session.
func NewSSEClient(baseURL, sessionID string, log *zap.Logger) *SSEClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &SSEClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		sessionID: sessionID,
		httpClient: &http.Client{
			Timeout: 0, // no timeout for streaming
		},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		log:          log,
	}
}

// Subscribe connects to the session's event stream and returns a channel of
// events. The channel closes when ctx is cancelled; reconnects with backoff
// are handled internally.
func (c *SSEClient) Subscribe(ctx context.Context) <-chan models.Event {
	events := make(chan models.Event, 100)
	go c.subscribeLoop(ctx, events)
	return events
}

func (c *SSEClient) subscribeLoop(ctx context.Context, events chan<- models.Event) {
	defer close(events)

	delay := c.reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connect(ctx, events)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("sse connection lost, reconnecting",
			zap.String("session_id", c.sessionID),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

func (c *SSEClient) connect(ctx context.Context, events chan<- models.Event) error {
	url := c.baseURL + "/api/v1/sessions/" + c.sessionID + "/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.log.Debug("sse connected", zap.String("session_id", c.sessionID))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data string

	for scanner.Scan() {
		line := scanner.Text()
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case line == "":
			if data == "" {
				continue
			}
			var event models.Event
			if err := json.Unmarshal([]byte(data), &event); err == nil {
				select {
				case events <- event:
				default:
					c.log.Debug("sse event dropped, channel full")
				}
			}
			data = ""
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}
