// Package presence tracks who is online in a session.
//
// Liveness is a lease: each participant periodically renews a last-seen
// timestamp, and "online" is computed as "renewed within a fixed window".
// There is no disconnect handling: a closed tab or dropped network simply
// stops renewing and ages out of the online count within the window.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codetogether/codetogether/pkg/models"
)

const (
	// DefaultHeartbeat is the lease renewal cadence.
	DefaultHeartbeat = 10 * time.Second
	// DefaultWindow is the recency window for counting a participant as
	// online. Staleness is detected within at most this delay.
	DefaultWindow = 30 * time.Second
)

// ActiveWithin reports whether a lease renewed at lastSeen is still live at
// now for the given window.
func ActiveWithin(lastSeen, now time.Time, window time.Duration) bool {
	return now.Sub(lastSeen) <= window
}

// FilterActive returns the participants whose lease is live at now.
func FilterActive(participants []*models.Participant, now time.Time, window time.Duration) []*models.Participant {
	var active []*models.Participant
	for _, p := range participants {
		if ActiveWithin(p.LastSeen, now, window) {
			active = append(active, p)
		}
	}
	return active
}

// Upserter persists a participant lease.
type Upserter interface {
	UpsertParticipant(ctx context.Context, p *models.Participant) error
}

// Tracker renews the local participant's lease on a fixed interval.
type Tracker struct {
	upserter    Upserter
	participant models.Participant
	interval    time.Duration
	log         *zap.Logger

	mu         sync.Mutex
	activeFile string
	started    bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker creates a tracker for the given participant. A zero interval
// selects DefaultHeartbeat.
func NewTracker(upserter Upserter, participant *models.Participant, interval time.Duration, log *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		upserter:    upserter,
		participant: *participant,
		interval:    interval,
		log:         log,
		activeFile:  participant.ActiveFile,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetActiveFile records which file the participant has open; the next
// renewal carries it.
func (t *Tracker) SetActiveFile(id string) {
	t.mu.Lock()
	t.activeFile = id
	t.mu.Unlock()
}

// Start renews the lease immediately, then on every interval tick until
// Close or context cancellation.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	go func() {
		defer close(t.done)
		t.renew(ctx)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.renew(ctx)
			}
		}
	}()
}

func (t *Tracker) renew(ctx context.Context) {
	p := t.participant
	t.mu.Lock()
	p.ActiveFile = t.activeFile
	t.mu.Unlock()
	p.LastSeen = time.Now()

	if err := t.upserter.UpsertParticipant(ctx, &p); err != nil {
		// Presence degrades silently: a missed renewal only shortens
		// the lease, the next tick tries again.
		t.log.Warn("presence renewal failed",
			zap.String("session_id", p.SessionID),
			zap.String("user_id", p.UserID),
			zap.Error(err))
	}
}

// Close stops the renewal loop and waits for it to exit. No renewals are
// issued after Close returns.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.done
	}
}
