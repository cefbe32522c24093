package events

import (
	"sync"
	"testing"
	"time"

	"github.com/codetogether/codetogether/pkg/models"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe("s1")
	ch2 := b.Subscribe("s1")

	if b.Count("s1") != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count("s1"))
	}

	b.Unsubscribe("s1", ch1)
	if b.Count("s1") != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count("s1"))
	}

	b.Unsubscribe("s1", ch2)
	if b.Count("s1") != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count("s1"))
	}

	// Double unsubscribe must not panic on a closed channel.
	b.Unsubscribe("s1", ch2)
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("s1")
	defer b.Unsubscribe("s1", ch)

	b.Publish(models.Event{SessionID: "s1", UserID: "u1", Type: models.EventSnapshot})

	select {
	case received := <-ch:
		if received.Type != models.EventSnapshot {
			t.Errorf("type = %q, want %q", received.Type, models.EventSnapshot)
		}
		if received.UserID != "u1" {
			t.Errorf("user = %q, want u1", received.UserID)
		}
		if received.CreatedAt.IsZero() {
			t.Error("expected non-zero CreatedAt")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterFiltersBySession(t *testing.T) {
	b := NewBroadcaster()
	chA := b.Subscribe("session-a")
	chB := b.Subscribe("session-b")
	defer b.Unsubscribe("session-a", chA)
	defer b.Unsubscribe("session-b", chB)

	b.Publish(models.Event{SessionID: "session-a", Type: models.EventPresence})

	select {
	case received := <-chA:
		if received.SessionID != "session-a" {
			t.Errorf("session = %q", received.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-chB:
		t.Fatalf("subscriber of session-b received event for %q", ev.SessionID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("s1")
	defer b.Unsubscribe("s1", ch)

	// Overfill the channel buffer (64).
	for i := 0; i < 100; i++ {
		b.Publish(models.Event{SessionID: "s1", Type: models.EventCursorMove})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != 64 {
				t.Errorf("expected 64 buffered events, got %d", count)
			}
			return
		}
	}
}

type captureRelay struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureRelay) Forward(event models.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureRelay) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBroadcasterRelay(t *testing.T) {
	b := NewBroadcaster()
	relay := &captureRelay{}
	b.SetRelay(relay)

	b.Publish(models.Event{SessionID: "s1", Type: models.EventCodeChange})
	if relay.count() != 1 {
		t.Fatalf("relay saw %d events, want 1", relay.count())
	}

	// DeliverLocal must not loop back into the relay.
	b.DeliverLocal(models.Event{SessionID: "s1", Type: models.EventCodeChange})
	if relay.count() != 1 {
		t.Errorf("DeliverLocal forwarded to relay")
	}
}

func TestBroadcasterTotal(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe("s1")
	ch2 := b.Subscribe("s2")
	defer b.Unsubscribe("s1", ch1)
	defer b.Unsubscribe("s2", ch2)

	if b.Total() != 2 {
		t.Errorf("Total = %d, want 2", b.Total())
	}
}
