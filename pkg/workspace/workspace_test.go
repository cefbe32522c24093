package workspace

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/codetogether/codetogether/pkg/models"
	"github.com/codetogether/codetogether/pkg/tree"
)

// fakeBackend stands in for the sync server: versioned documents, a
// participant table, and a snapshot-event feed, all in memory.
type fakeBackend struct {
	mu           sync.Mutex
	docs         map[string]*models.Document
	participants map[string]*models.Participant
	subs         map[chan models.Event]struct{}
	putCalls     int
	upserts      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		docs:         make(map[string]*models.Document),
		participants: make(map[string]*models.Participant),
		subs:         make(map[chan models.Event]struct{}),
	}
}

func (f *fakeBackend) GetSnapshot(_ context.Context, sessionID string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[sessionID]
	if !ok {
		return nil, nil
	}
	return doc, nil
}

func (f *fakeBackend) CreateSession(_ context.Context, sessionID string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[sessionID]; ok {
		return doc, nil
	}
	doc := &models.Document{SessionID: sessionID, Files: models.DefaultFiles(), Version: 1}
	f.docs[sessionID] = doc
	return doc, nil
}

func (f *fakeBackend) PutSnapshot(_ context.Context, sessionID, userID string, files []*models.Node, baseVersion int64) (int64, error) {
	f.mu.Lock()
	f.putCalls++
	doc, ok := f.docs[sessionID]
	if !ok {
		f.mu.Unlock()
		return 0, models.ErrNotFound
	}
	if doc.Version != baseVersion {
		current := doc.Version
		f.mu.Unlock()
		return current, models.ErrStaleWrite
	}
	next := &models.Document{SessionID: sessionID, Files: files, Version: doc.Version + 1}
	f.docs[sessionID] = next
	version := next.Version
	f.mu.Unlock()

	f.publish(models.Event{SessionID: sessionID, UserID: userID, Type: models.EventSnapshot})
	return version, nil
}

func (f *fakeBackend) UpsertParticipant(_ context.Context, p *models.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.participants[p.UserID] = p
	return nil
}

func (f *fakeBackend) ActiveParticipants(_ context.Context, _ string) ([]*models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Participant, 0, len(f.participants))
	for _, p := range f.participants {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeBackend) Subscribe(ctx context.Context) <-chan models.Event {
	ch := make(chan models.Event, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (f *fakeBackend) publish(ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// putQuiet replaces the document without publishing, like a write whose
// notification was lost.
func (f *fakeBackend) putQuiet(sessionID string, files []*models.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[sessionID]
	f.docs[sessionID] = &models.Document{SessionID: sessionID, Files: files, Version: doc.Version + 1}
}

func (f *fakeBackend) version(sessionID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[sessionID].Version
}

func (f *fakeBackend) storedFiles(sessionID string) []*models.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[sessionID].Files
}

// ─── Test helpers ───

func testParticipant(name string) *models.Participant {
	return &models.Participant{SessionID: "abc123abc123", UserID: name, UserName: name}
}

func openController(t *testing.T, backend *fakeBackend, user string, opts Options) *Controller {
	t.Helper()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 50 * time.Millisecond
	}
	opts.Logger = zap.NewNop()
	c := New("abc123abc123", testParticipant(user), backend, backend, backend, opts)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func marshalTree(t *testing.T, files []*models.Node) string {
	t.Helper()
	b, err := json.Marshal(files)
	if err != nil {
		t.Fatalf("marshal tree: %v", err)
	}
	return string(b)
}

// ─── Tests ───

func TestOpenSeedsNewSession(t *testing.T) {
	backend := newFakeBackend()
	c := openController(t, backend, "u1", Options{})

	if c.State() != StateReady {
		t.Fatalf("state = %s, want ready", c.State())
	}
	if got := tree.CountNodes(c.Files()); got != 5 {
		t.Errorf("starter tree has %d nodes, want 5", got)
	}
	if index := tree.Find(c.Files(), "index-html"); index == nil || !strings.Contains(index.Content, "Hello World") {
		t.Errorf("starter index.html missing or wrong: %+v", index)
	}
	if backend.version("abc123abc123") != 1 {
		t.Errorf("persisted version = %d, want 1", backend.version("abc123abc123"))
	}
}

func TestOpenSubscribesBeforeReturning(t *testing.T) {
	backend := newFakeBackend()
	c := openController(t, backend, "u1", Options{})

	backend.mu.Lock()
	subs := len(backend.subs)
	backend.mu.Unlock()
	if subs != 1 {
		t.Fatalf("%d subscribers registered after Open, want 1", subs)
	}

	// A write landing in the gap between join and the first event-loop
	// iteration must still reach this controller.
	if _, err := backend.PutSnapshot(context.Background(), "abc123abc123", "rival",
		[]*models.Node{{ID: "late", Name: "late.js", Type: models.NodeFile}}, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "immediate post-join snapshot", func() bool {
		return tree.Find(c.Files(), "late") != nil
	})
}

func TestOpenLoadsExistingSession(t *testing.T) {
	backend := newFakeBackend()
	if _, err := backend.CreateSession(context.Background(), "abc123abc123"); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.PutSnapshot(context.Background(), "abc123abc123", "earlier",
		[]*models.Node{{ID: "solo", Name: "solo.js", Type: models.NodeFile}}, 1); err != nil {
		t.Fatal(err)
	}

	c := openController(t, backend, "u1", Options{})
	if got := tree.CountNodes(c.Files()); got != 1 {
		t.Errorf("loaded %d nodes, want the 1 already stored", got)
	}
	if c.Version() != 2 {
		t.Errorf("version = %d, want 2", c.Version())
	}
}

func TestMutationBeforeOpen(t *testing.T) {
	backend := newFakeBackend()
	c := New("abc123abc123", testParticipant("u1"), backend, backend, backend, Options{Logger: zap.NewNop()})
	if err := c.UpdateContent(context.Background(), "index-html", "x"); err != ErrNotReady {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestUpdateContentPersistsAndPreservesRest(t *testing.T) {
	backend := newFakeBackend()
	c := openController(t, backend, "u1", Options{})
	before := c.Files()

	if err := c.UpdateContent(context.Background(), "index-html", "<h2>Hi</h2>"); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}

	stored := backend.storedFiles("abc123abc123")
	if got := tree.Find(stored, "index-html").Content; got != "<h2>Hi</h2>" {
		t.Errorf("stored content = %q", got)
	}
	if css := tree.Find(stored, "style-css"); css != tree.Find(before, "style-css") {
		t.Errorf("untouched sibling was copied")
	}
	if c.Version() != 2 {
		t.Errorf("version = %d, want 2", c.Version())
	}
}

func TestInsertPropagatesToPeer(t *testing.T) {
	backend := newFakeBackend()
	var mu sync.Mutex
	var peerTrees []string
	peer := openController(t, backend, "peer", Options{
		OnChange: func(files []*models.Node, _ int64) {
			b, _ := json.Marshal(files)
			mu.Lock()
			peerTrees = append(peerTrees, string(b))
			mu.Unlock()
		},
	})
	author := openController(t, backend, "author", Options{})

	folder := &models.Node{ID: "nf1", Name: "New Folder", Type: models.NodeFolder, Children: []*models.Node{}}
	if err := author.Insert(context.Background(), "public", folder); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	waitFor(t, "peer to adopt the snapshot", func() bool {
		return tree.Find(peer.Files(), "nf1") != nil
	})
	got := tree.Find(peer.Files(), "nf1")
	if got.Name != "New Folder" || got.Type != models.NodeFolder || len(got.Children) != 0 {
		t.Errorf("peer sees %+v", got)
	}
	if peer.Version() != author.Version() {
		t.Errorf("peer version %d != author version %d", peer.Version(), author.Version())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(peerTrees) == 0 {
		t.Error("peer OnChange never fired")
	}
}

func TestStaleWriteRetriesAndWins(t *testing.T) {
	backend := newFakeBackend()
	c := openController(t, backend, "u1", Options{})

	// Another writer bumps the version behind this controller's back.
	backend.putQuiet("abc123abc123", tree.Rename(backend.storedFiles("abc123abc123"), "readme-md", "NOTES.md"))

	if err := c.Rename(context.Background(), "readme-md", "README.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	stored := backend.storedFiles("abc123abc123")
	if got := tree.Find(stored, "readme-md").Name; got != "README.txt" {
		t.Errorf("stored name = %q, want the later writer's README.txt", got)
	}
	if backend.version("abc123abc123") != 3 {
		t.Errorf("version = %d, want 3", backend.version("abc123abc123"))
	}
}

func TestRemoteSnapshotReplacesWholesale(t *testing.T) {
	backend := newFakeBackend()
	c := openController(t, backend, "u1", Options{})

	replacement := []*models.Node{{ID: "only", Name: "only.css", Type: models.NodeFile, Content: "b{}"}}
	if _, err := backend.PutSnapshot(context.Background(), "abc123abc123", "rival", replacement, 1); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "wholesale replace", func() bool {
		return tree.CountNodes(c.Files()) == 1
	})
	if tree.Find(c.Files(), "index-html") != nil {
		t.Error("old tree survived a remote snapshot")
	}
}

func TestRemoteSnapshotIdempotent(t *testing.T) {
	backend := newFakeBackend()
	c := openController(t, backend, "u1", Options{})

	replacement := []*models.Node{{ID: "only", Name: "only.md", Type: models.NodeFile}}
	if _, err := backend.PutSnapshot(context.Background(), "abc123abc123", "rival", replacement, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first adopt", func() bool { return tree.CountNodes(c.Files()) == 1 })
	first := marshalTree(t, c.Files())

	// Duplicate delivery of the same snapshot notification.
	backend.publish(models.Event{SessionID: "abc123abc123", UserID: "rival", Type: models.EventSnapshot})
	time.Sleep(50 * time.Millisecond)

	if again := marshalTree(t, c.Files()); again != first {
		t.Errorf("replaying a snapshot changed the tree:\n%s\n%s", first, again)
	}
}

func TestPresenceRoster(t *testing.T) {
	backend := newFakeBackend()
	var mu sync.Mutex
	var lastCount int
	c := openController(t, backend, "u1", Options{
		OnPresence: func(ps []*models.Participant) {
			mu.Lock()
			lastCount = len(ps)
			mu.Unlock()
		},
	})
	openController(t, backend, "u2", Options{})

	waitFor(t, "both heartbeats", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.participants) == 2
	})
	backend.publish(models.Event{SessionID: "abc123abc123", UserID: "u2", Type: models.EventPresence})
	waitFor(t, "roster of 2", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastCount == 2
	})
	waitFor(t, "controller roster", func() bool { return len(c.Online()) == 2 })
}

func TestHeartbeatRenews(t *testing.T) {
	backend := newFakeBackend()
	openController(t, backend, "u1", Options{HeartbeatInterval: 20 * time.Millisecond})
	waitFor(t, "repeated renewals", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.upserts >= 3
	})
}

func TestCloseStopsDeliveries(t *testing.T) {
	backend := newFakeBackend()
	var mu sync.Mutex
	changes := 0
	c := openController(t, backend, "u1", Options{
		OnChange: func([]*models.Node, int64) {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	})
	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed", c.State())
	}
	mu.Lock()
	after := changes
	mu.Unlock()

	if _, err := backend.PutSnapshot(context.Background(), "abc123abc123", "rival",
		[]*models.Node{{ID: "x", Name: "x.js", Type: models.NodeFile}}, 1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if changes != after {
		t.Errorf("OnChange fired %d more times after Close", changes-after)
	}
	if err := c.UpdateContent(context.Background(), "x", "y"); err != ErrNotReady {
		t.Errorf("mutation after Close: err = %v, want ErrNotReady", err)
	}
}

func TestActiveFileAndPreview(t *testing.T) {
	backend := newFakeBackend()
	c := openController(t, backend, "u1", Options{})

	node, lang := c.ActiveFile()
	if node == nil || node.ID != "index-html" || lang != "html" {
		t.Fatalf("initial active file = %v lang %q, want index.html/html", node, lang)
	}

	c.SetActiveFile("script-js")
	node, lang = c.ActiveFile()
	if node.ID != "script-js" || lang != "javascript" {
		t.Errorf("active file = %s lang %q", node.ID, lang)
	}

	p := c.Preview()
	if !strings.Contains(p.HTML, "Hello World") {
		t.Errorf("preview html = %q", p.HTML)
	}
	if !strings.Contains(p.CSS, "font-family") {
		t.Errorf("preview css = %q", p.CSS)
	}
	if !strings.Contains(p.JavaScript, "console.log") {
		t.Errorf("preview javascript = %q", p.JavaScript)
	}
}

func TestStreamEventsSkipOwn(t *testing.T) {
	backend := newFakeBackend()
	var mu sync.Mutex
	var seen []string
	openController(t, backend, "u1", Options{
		OnStreamEvent: func(ev models.Event) {
			mu.Lock()
			seen = append(seen, ev.UserID+"/"+ev.Type)
			mu.Unlock()
		},
	})

	backend.publish(models.Event{SessionID: "abc123abc123", UserID: "u1", Type: models.EventCursorMove})
	backend.publish(models.Event{SessionID: "abc123abc123", UserID: "u2", Type: models.EventCursorMove})

	waitFor(t, "foreign cursor event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "u2/cursor_move"
	})
}
