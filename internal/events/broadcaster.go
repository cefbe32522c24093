// Package events fans collaboration events out to session subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codetogether/codetogether/internal/metrics"
	"github.com/codetogether/codetogether/pkg/models"
)

// Relay forwards events to other server instances. Implementations must not
// block; delivery is best-effort.
type Relay interface {
	Forward(event models.Event)
}

// Broadcaster manages per-session subscribers and publishes events.
// Subscribers only ever receive events for the session they subscribed to.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]map[chan models.Event]struct{}
	relay    Relay
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		sessions: make(map[string]map[chan models.Event]struct{}),
	}
}

// SetRelay attaches a cross-instance relay. Must be called before use.
func (b *Broadcaster) SetRelay(r Relay) {
	b.relay = r
}

// Subscribe adds a subscriber for one session and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(sessionID string) chan models.Event {
	ch := make(chan models.Event, 64)
	b.mu.Lock()
	subs := b.sessions[sessionID]
	if subs == nil {
		subs = make(map[chan models.Event]struct{})
		b.sessions[sessionID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID string, ch chan models.Event) {
	b.mu.Lock()
	if subs, ok := b.sessions[sessionID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.sessions, sessionID)
		}
	}
	b.mu.Unlock()
}

// Publish delivers an event to the session's local subscribers and forwards
// it to other instances through the relay. Non-blocking: events are dropped
// for slow consumers.
func (b *Broadcaster) Publish(event models.Event) {
	b.deliver(event)
	if b.relay != nil {
		b.relay.Forward(event)
	}
	metrics.RecordEventPublished(event.Type)
}

// DeliverLocal delivers an event arriving from another instance to local
// subscribers only, without re-forwarding it.
func (b *Broadcaster) DeliverLocal(event models.Event) {
	b.deliver(event)
}

func (b *Broadcaster) deliver(event models.Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.sessions[event.SessionID] {
		select {
		case ch <- event:
		default:
			// Drop for slow consumer
		}
	}
}

// Count returns the number of subscribers for one session.
func (b *Broadcaster) Count(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// Total returns the number of subscribers across all sessions.
func (b *Broadcaster) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.sessions {
		total += len(subs)
	}
	return total
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e models.Event) ([]byte, error) {
	return json.Marshal(e)
}
