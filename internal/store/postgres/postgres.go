// Package postgres provides the durable tables behind a session: the shared
// document snapshot, the participant presence table, and the append-only
// collaboration event log.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/codetogether/codetogether/internal/logging"
	"github.com/codetogether/codetogether/internal/metrics"
	"github.com/codetogether/codetogether/pkg/models"
)

// Store is the PostgreSQL-backed session store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and verifies it.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics refreshes the connection-pool gauge.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			files      JSONB NOT NULL,
			version    BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			session_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			user_name   TEXT NOT NULL DEFAULT '',
			active_file TEXT NOT NULL DEFAULT '',
			last_seen   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_last_seen
			ON participants (session_id, last_seen)`,
		`CREATE TABLE IF NOT EXISTS collab_events (
			id         UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			data       JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collab_events_session
			ON collab_events (session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ─── Documents ──────────────────────────────────────────────────────────────

// GetDocument returns the session's document, or nil if the session has
// never been persisted.
func (s *Store) GetDocument(ctx context.Context, sessionID string) (*models.Document, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_document", time.Since(start)) }()

	var raw []byte
	doc := &models.Document{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT files, version, updated_at FROM sessions WHERE session_id = $1`,
		sessionID).Scan(&raw, &doc.Version, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	if err := json.Unmarshal(raw, &doc.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return doc, nil
}

// CreateDocument persists the initial document for a brand-new session and
// reports whether this caller won the creation race. Two participants may
// race to create the same session; ON CONFLICT makes the loser a no-op.
func (s *Store) CreateDocument(ctx context.Context, sessionID string, files []*models.Node) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_document", time.Since(start)) }()

	raw, err := json.Marshal(files)
	if err != nil {
		return false, fmt.Errorf("encode files: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, files, version, updated_at)
		 VALUES ($1, $2, 1, NOW())
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, raw)
	if err != nil {
		return false, fmt.Errorf("create document: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		logging.Info("session document created", zap.String("session_id", sessionID))
	}
	return rows > 0, nil
}

// UpsertDocument replaces the session's whole file tree. The write is
// accepted only if the stored version still equals baseVersion; on success
// it returns the new version. A rejected write returns the current stored
// version together with ErrStaleWrite.
func (s *Store) UpsertDocument(ctx context.Context, sessionID string, files []*models.Node, baseVersion int64) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_document", time.Since(start)) }()

	raw, err := json.Marshal(files)
	if err != nil {
		return 0, fmt.Errorf("encode files: %w", err)
	}

	var newVersion int64
	err = s.db.QueryRowContext(ctx,
		`UPDATE sessions
		 SET files = $2, version = version + 1, updated_at = NOW()
		 WHERE session_id = $1 AND version = $3
		 RETURNING version`,
		sessionID, raw, baseVersion).Scan(&newVersion)
	if err == sql.ErrNoRows {
		var current int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM sessions WHERE session_id = $1`, sessionID).Scan(&current)
		if err == sql.ErrNoRows {
			metrics.RecordSnapshotWrite("error")
			return 0, models.ErrNotFound
		}
		if err != nil {
			metrics.RecordSnapshotWrite("error")
			return 0, fmt.Errorf("query current version: %w", err)
		}
		metrics.RecordSnapshotWrite("stale")
		return current, models.ErrStaleWrite
	}
	if err != nil {
		metrics.RecordSnapshotWrite("error")
		return 0, fmt.Errorf("upsert document: %w", err)
	}

	metrics.RecordSnapshotWrite("ok")
	logging.Debug("snapshot persisted",
		zap.String("session_id", sessionID),
		zap.Int64("version", newVersion))
	return newVersion, nil
}

// ─── Participants ───────────────────────────────────────────────────────────

// UpsertParticipant renews a participant's presence lease.
func (s *Store) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_participant", time.Since(start)) }()

	lastSeen := p.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (session_id, user_id, user_name, active_file, last_seen)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, user_id) DO UPDATE SET
			user_name  = EXCLUDED.user_name,
			active_file = EXCLUDED.active_file,
			last_seen  = EXCLUDED.last_seen`,
		p.SessionID, p.UserID, p.UserName, p.ActiveFile, lastSeen)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	metrics.RecordPresenceRenewal()
	return nil
}

// ListActiveSince returns the session's participants whose lease was renewed
// at or after the threshold, oldest first.
func (s *Store) ListActiveSince(ctx context.Context, sessionID string, threshold time.Time) ([]*models.Participant, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_active_since", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, user_name, active_file, last_seen
		 FROM participants
		 WHERE session_id = $1 AND last_seen >= $2
		 ORDER BY last_seen`,
		sessionID, threshold)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []*models.Participant
	for rows.Next() {
		p := &models.Participant{}
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.UserName, &p.ActiveFile, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// PurgeStaleParticipants deletes leases older than the cutoff. Staleness
// already excludes them from the online count; this only bounds table size.
func (s *Store) PurgeStaleParticipants(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_participants", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge participants: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// ─── Collaboration events ───────────────────────────────────────────────────

// AppendEvent appends one collaboration event to the session's log. Events
// are a transient notification mechanism, never the source of truth.
func (s *Store) AppendEvent(ctx context.Context, e *models.Event) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("append_event", time.Since(start)) }()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var data any
	if len(e.Data) > 0 {
		data = []byte(e.Data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_events (id, session_id, user_id, event_type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SessionID, e.UserID, e.Type, data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEventsSince returns the session's events created at or after the
// threshold, in append order.
func (s *Store) ListEventsSince(ctx context.Context, sessionID string, since time.Time, limit int) ([]*models.Event, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_events", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, event_type, COALESCE(data, 'null'::jsonb), created_at
		 FROM collab_events
		 WHERE session_id = $1 AND created_at >= $2
		 ORDER BY created_at
		 LIMIT $3`,
		sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &e.Type, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if string(data) != "null" {
			e.Data = data
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeEventsBefore deletes events older than the cutoff.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_events", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM collab_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
