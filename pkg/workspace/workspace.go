// Package workspace runs a synchronized view of one session's file tree.
//
// The controller owns the local copy of the tree, persists every local
// mutation as a whole-document snapshot, and replaces the tree wholesale
// whenever another participant's snapshot lands. Conflict policy is
// last-write-wins: a write rejected as stale is retried against the current
// version, so the slower writer still overwrites the faster one.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codetogether/codetogether/pkg/models"
	"github.com/codetogether/codetogether/pkg/presence"
	"github.com/codetogether/codetogether/pkg/tree"
)

// State is the controller lifecycle phase.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned by mutations before Open has completed.
var ErrNotReady = errors.New("workspace not ready")

// persistAttempts bounds the stale-write retry loop. Each retry targets the
// version reported by the rejection, so two attempts suffice unless writers
// are racing continuously.
const persistAttempts = 3

// Storage persists and retrieves whole-document snapshots.
// *client.Client satisfies it.
type Storage interface {
	// GetSnapshot returns the session document, or nil if none exists yet.
	GetSnapshot(ctx context.Context, sessionID string) (*models.Document, error)
	CreateSession(ctx context.Context, sessionID string) (*models.Document, error)
	// PutSnapshot stores files as the new document iff baseVersion is
	// current, returning the new version. On models.ErrStaleWrite the
	// returned version is the one storage is actually at.
	PutSnapshot(ctx context.Context, sessionID, userID string, files []*models.Node, baseVersion int64) (int64, error)
}

// Roster renews this participant's presence row and lists who is active.
type Roster interface {
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	ActiveParticipants(ctx context.Context, sessionID string) ([]*models.Participant, error)
}

// Subscriber delivers the session's event feed. The channel closes when ctx
// is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan models.Event
}

// EventSink is an optional outbound stream for ephemeral events such as
// cursor moves. *client.EventStream satisfies it.
type EventSink interface {
	Send(eventType string, data any) error
}

// PreviewData is the assembled live-preview payload: the content of the
// first HTML, CSS, and JavaScript file found in the tree.
type PreviewData struct {
	HTML       string
	CSS        string
	JavaScript string
}

// Options configures a Controller beyond its required collaborators.
type Options struct {
	// Stream, when set, carries join/leave and cursor events.
	Stream EventSink

	HeartbeatInterval time.Duration
	PresenceWindow    time.Duration

	// OnChange runs after the tree changes for any reason, local or remote.
	OnChange func(files []*models.Node, version int64)
	// OnPresence runs after the active-participant roster is re-queried.
	OnPresence func(participants []*models.Participant)
	// OnStreamEvent runs for ephemeral events authored by other participants.
	OnStreamEvent func(ev models.Event)

	Logger *zap.Logger
}

// Controller synchronizes one participant's view of a session.
type Controller struct {
	sessionID   string
	participant *models.Participant
	storage     Storage
	roster      Roster
	subscriber  Subscriber
	stream      EventSink
	heartbeat   time.Duration
	window      time.Duration
	log         *zap.Logger

	onChange      func([]*models.Node, int64)
	onPresence    func([]*models.Participant)
	onStreamEvent func(models.Event)

	mu           sync.RWMutex
	state        State
	files        []*models.Node
	version      int64
	online       []*models.Participant
	activeFileID string

	tracker *presence.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// New builds a Controller in the uninitialized state. Nothing touches the
// network until Open.
func New(sessionID string, p *models.Participant, storage Storage, roster Roster, sub Subscriber, opts Options) *Controller {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = presence.DefaultHeartbeat
	}
	if opts.PresenceWindow <= 0 {
		opts.PresenceWindow = presence.DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		sessionID:     sessionID,
		participant:   p,
		storage:       storage,
		roster:        roster,
		subscriber:    sub,
		stream:        opts.Stream,
		heartbeat:     opts.HeartbeatInterval,
		window:        opts.PresenceWindow,
		log:           opts.Logger.With(zap.String("session_id", sessionID), zap.String("user_id", p.UserID)),
		onChange:      opts.OnChange,
		onPresence:    opts.OnPresence,
		onStreamEvent: opts.OnStreamEvent,
		state:         StateUninitialized,
		done:          make(chan struct{}),
	}
}

// ─── Lifecycle ───

// Open loads the session document, seeding a fresh session with the default
// starter tree, then starts the heartbeat and the event watch loop. It is
// the only transition into the ready state.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("open from state %s", c.state)
	}
	c.state = StateLoading
	c.mu.Unlock()

	doc, err := c.storage.GetSnapshot(ctx, c.sessionID)
	if err != nil {
		c.setState(StateUninitialized)
		return fmt.Errorf("load snapshot: %w", err)
	}
	if doc == nil {
		doc, err = c.storage.CreateSession(ctx, c.sessionID)
		if err != nil {
			c.setState(StateUninitialized)
			return fmt.Errorf("create session: %w", err)
		}
		c.log.Info("created session with starter files")
	}

	c.mu.Lock()
	c.files = doc.Files
	c.version = doc.Version
	if first := firstFileID(c.files); first != "" {
		c.activeFileID = first
	}
	c.state = StateReady
	c.mu.Unlock()

	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.tracker = presence.NewTracker(c.roster, c.participant, c.heartbeat, c.log)
	c.tracker.SetActiveFile(c.activeFileID)
	c.tracker.Start(watchCtx)

	// Subscribe before returning so a notification published right after
	// join is buffered rather than lost.
	events := c.subscriber.Subscribe(watchCtx)
	go c.watch(watchCtx, events)

	if c.stream != nil {
		if err := c.stream.Send(models.EventUserJoin, nil); err != nil {
			c.log.Warn("join announce failed", zap.Error(err))
		}
	}
	c.refreshPresence(ctx)
	c.notifyChange()
	c.log.Info("workspace ready", zap.Int64("version", doc.Version), zap.Int("nodes", tree.CountNodes(doc.Files)))
	return nil
}

// Close announces departure, stops the heartbeat and the watch loop, and
// waits for them. After Close returns no callback fires again.
func (c *Controller) Close() {
	c.once.Do(func() {
		if c.stream != nil {
			if err := c.stream.Send(models.EventUserLeave, nil); err != nil {
				c.log.Debug("leave announce failed", zap.Error(err))
			}
		}
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		if c.tracker != nil {
			c.tracker.Close()
		}
		c.setState(StateClosed)
		c.log.Info("workspace closed")
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ─── Event watch loop ───

func (c *Controller) watch(ctx context.Context, events <-chan models.Event) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev models.Event) {
	switch ev.Type {
	case models.EventSnapshot:
		// Our own writes already updated local state in persist.
		if ev.UserID == c.participant.UserID {
			return
		}
		c.adoptRemote(ctx)
	case models.EventPresence, models.EventUserJoin, models.EventUserLeave:
		c.refreshPresence(ctx)
		if ev.UserID != c.participant.UserID && c.onStreamEvent != nil &&
			(ev.Type == models.EventUserJoin || ev.Type == models.EventUserLeave) {
			c.onStreamEvent(ev)
		}
	default:
		if ev.UserID != c.participant.UserID && c.onStreamEvent != nil {
			c.onStreamEvent(ev)
		}
	}
}

// adoptRemote fetches the current document and replaces the local tree with
// it. Replaying the same snapshot is a no-op beyond the callback, so
// duplicate deliveries are harmless.
func (c *Controller) adoptRemote(ctx context.Context) {
	doc, err := c.storage.GetSnapshot(ctx, c.sessionID)
	if err != nil {
		c.log.Warn("remote snapshot fetch failed", zap.Error(err))
		return
	}
	if doc == nil {
		return
	}
	c.mu.Lock()
	if doc.Version < c.version {
		// A slow fetch can race a newer local write; keep the newer tree.
		c.mu.Unlock()
		return
	}
	c.files = doc.Files
	c.version = doc.Version
	c.mu.Unlock()
	c.notifyChange()
}

func (c *Controller) refreshPresence(ctx context.Context) {
	participants, err := c.roster.ActiveParticipants(ctx, c.sessionID)
	if err != nil {
		c.log.Warn("presence query failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.online = participants
	c.mu.Unlock()
	if c.onPresence != nil {
		c.onPresence(participants)
	}
}

func (c *Controller) notifyChange() {
	if c.onChange == nil {
		return
	}
	c.mu.RLock()
	files, version := c.files, c.version
	c.mu.RUnlock()
	c.onChange(files, version)
}

// ─── Local mutations ───

// UpdateContent rewrites one file's content and persists the tree.
func (c *Controller) UpdateContent(ctx context.Context, fileID, content string) error {
	return c.mutate(ctx, func(files []*models.Node) []*models.Node {
		return tree.UpdateContent(files, fileID, content)
	})
}

// Insert adds a node under parentID, or at the top level when parentID is
// empty, and persists the tree.
func (c *Controller) Insert(ctx context.Context, parentID string, node *models.Node) error {
	return c.mutate(ctx, func(files []*models.Node) []*models.Node {
		return tree.Insert(files, parentID, node)
	})
}

// Rename changes one node's name and persists the tree.
func (c *Controller) Rename(ctx context.Context, nodeID, name string) error {
	return c.mutate(ctx, func(files []*models.Node) []*models.Node {
		return tree.Rename(files, nodeID, name)
	})
}

// Delete removes a node and its subtree and persists the tree.
func (c *Controller) Delete(ctx context.Context, nodeID string) error {
	err := c.mutate(ctx, func(files []*models.Node) []*models.Node {
		return tree.Delete(files, nodeID)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if tree.Find(c.files, c.activeFileID) == nil {
		c.activeFileID = firstFileID(c.files)
	}
	active := c.activeFileID
	c.mu.Unlock()
	if c.tracker != nil {
		c.tracker.SetActiveFile(active)
	}
	return nil
}

// mutate applies fn to the current tree, persists the result, and notifies.
// The tree helpers are total, so fn on a vanished id is a no-op that still
// persists the unchanged tree.
func (c *Controller) mutate(ctx context.Context, fn func([]*models.Node) []*models.Node) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.files = fn(c.files)
	c.mu.Unlock()

	if err := c.persist(ctx); err != nil {
		return err
	}
	c.notifyChange()
	return nil
}

// persist writes the whole tree at the current base version. A stale-write
// rejection reports the version storage is at; retrying against it makes
// this writer the last one, which under last-write-wins means it wins.
func (c *Controller) persist(ctx context.Context) error {
	for attempt := 0; attempt < persistAttempts; attempt++ {
		c.mu.RLock()
		files, base := c.files, c.version
		c.mu.RUnlock()

		next, err := c.storage.PutSnapshot(ctx, c.sessionID, c.participant.UserID, files, base)
		if err == nil {
			c.mu.Lock()
			c.version = next
			c.mu.Unlock()
			return nil
		}
		if errors.Is(err, models.ErrStaleWrite) {
			c.log.Debug("stale write, retrying", zap.Int64("base", base), zap.Int64("current", next))
			c.mu.Lock()
			c.version = next
			c.mu.Unlock()
			continue
		}
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return fmt.Errorf("persist snapshot: gave up after %d stale writes", persistAttempts)
}

// ─── Ephemeral stream ───

// SetActiveFile records which file this participant is editing and tells
// the heartbeat to carry it.
func (c *Controller) SetActiveFile(fileID string) {
	c.mu.Lock()
	c.activeFileID = fileID
	c.mu.Unlock()
	if c.tracker != nil {
		c.tracker.SetActiveFile(fileID)
	}
}

// MoveCursor broadcasts this participant's cursor position. Dropped
// silently when no stream is attached.
func (c *Controller) MoveCursor(fileID string, line, column int) error {
	if c.stream == nil {
		return nil
	}
	return c.stream.Send(models.EventCursorMove, models.CursorMoveData{
		FileID:   fileID,
		Position: models.CursorPosition{Line: line, Column: column},
	})
}

// ─── Read side ───

// State reports the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Files returns the current tree. Callers must treat it as immutable;
// every mutation builds a fresh spine, so the returned forest never
// changes underneath them.
func (c *Controller) Files() []*models.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files
}

// Version reports the last persisted document version this controller saw.
func (c *Controller) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Online returns the most recently fetched active-participant roster.
func (c *Controller) Online() []*models.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// ActiveFile returns the file being edited plus its display language.
func (c *Controller) ActiveFile() (*models.Node, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node := tree.Find(c.files, c.activeFileID)
	if node == nil || node.Type != models.NodeFile {
		return nil, ""
	}
	return node, models.LanguageForName(node.Name)
}

// Preview assembles the live-preview payload from the first HTML, CSS, and
// JavaScript file in the tree, in traversal order.
func (c *Controller) Preview() PreviewData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out PreviewData
	walkFiles(c.files, func(node *models.Node) {
		switch models.LanguageForName(node.Name) {
		case "html":
			if out.HTML == "" {
				out.HTML = node.Content
			}
		case "css":
			if out.CSS == "" {
				out.CSS = node.Content
			}
		case "javascript":
			if out.JavaScript == "" {
				out.JavaScript = node.Content
			}
		}
	})
	return out
}

// walkFiles visits every file depth-first in declaration order.
func walkFiles(nodes []*models.Node, visit func(*models.Node)) {
	for _, n := range nodes {
		if n.Type == models.NodeFile {
			visit(n)
		}
		walkFiles(n.Children, visit)
	}
}

// firstFileID finds the first file in traversal order, for the initial
// active-file selection.
func firstFileID(files []*models.Node) string {
	id := ""
	walkFiles(files, func(node *models.Node) {
		if id == "" {
			id = node.ID
		}
	})
	return id
}
