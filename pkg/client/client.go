// Package client provides the HTTP/SSE/WebSocket transport to a sync
// server. It implements the storage, presence, and event-stream interfaces
// the workspace controller consumes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codetogether/codetogether/pkg/models"
	"github.com/codetogether/codetogether/pkg/protocol"
	"github.com/codetogether/codetogether/pkg/retry"
)

// Client is an HTTP client for the sync server API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	log         *zap.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	Logger      *zap.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		log:         cfg.Logger,
	}
}

// Ping checks whether the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: server returned %d", resp.StatusCode)
	}
	return nil
}

// GetSnapshot fetches the session's current document, or nil if the session
// has never been persisted. Transport errors are retried; a 404 is a normal
// answer and is not.
func (c *Client) GetSnapshot(ctx context.Context, sessionID string) (*models.Document, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*models.Document, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/api/v1/sessions/"+sessionID, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("get snapshot: %w", err))
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return nil, nil
		default:
			return nil, retry.Retryable(fmt.Errorf("get snapshot: server returned %d", resp.StatusCode))
		}

		var snap protocol.SnapshotResponse
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return &models.Document{
			SessionID: sessionID,
			Files:     snap.Files,
			Version:   snap.Version,
			UpdatedAt: snap.UpdatedAt,
		}, nil
	})
}

// CreateSession asks the server to persist the default document for a
// brand-new session. The returned document is the winner's, whoever that
// was.
func (c *Client) CreateSession(ctx context.Context, sessionID string) (*models.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create session: server returned %d", resp.StatusCode)
	}

	var created protocol.CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &models.Document{
		SessionID: sessionID,
		Files:     created.Files,
		Version:   created.Version,
	}, nil
}

// PutSnapshot persists the whole file tree. On a stale write the server's
// current version is returned together with ErrStaleWrite.
func (c *Client) PutSnapshot(ctx context.Context, sessionID, userID string, files []*models.Node, baseVersion int64) (int64, error) {
	body, err := json.Marshal(protocol.PutSnapshotRequest{
		UserID:      userID,
		Files:       files,
		BaseVersion: baseVersion,
	})
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/v1/sessions/"+sessionID, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("put snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var put protocol.PutSnapshotResponse
		if err := json.NewDecoder(resp.Body).Decode(&put); err != nil {
			return 0, fmt.Errorf("decode put response: %w", err)
		}
		return put.Version, nil
	case http.StatusConflict:
		var conflict protocol.ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return 0, fmt.Errorf("decode conflict response: %w", err)
		}
		return conflict.CurrentVersion, models.ErrStaleWrite
	case http.StatusNotFound:
		return 0, models.ErrNotFound
	default:
		return 0, fmt.Errorf("put snapshot: server returned %d", resp.StatusCode)
	}
}

// UpsertParticipant renews a presence lease on the server.
func (c *Client) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	body, err := json.Marshal(protocol.PresenceRequest{
		UserID:     p.UserID,
		UserName:   p.UserName,
		ActiveFile: p.ActiveFile,
	})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sessions/"+p.SessionID+"/presence", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upsert presence: server returned %d", resp.StatusCode)
	}
	return nil
}

// ActiveParticipants returns the session's currently-online participants.
func (c *Client) ActiveParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/sessions/"+sessionID+"/participants", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list participants: server returned %d", resp.StatusCode)
	}

	var list protocol.ParticipantsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return list.Participants, nil
}
