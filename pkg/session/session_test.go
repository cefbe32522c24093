package session

import (
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if len(id) != IDLength {
			t.Fatalf("id %q has length %d, want %d", id, len(id), IDLength)
		}
		for _, c := range id {
			if !strings.ContainsRune(idAlphabet, c) {
				t.Fatalf("id %q contains %q outside the URL-safe alphabet", id, c)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestResolve(t *testing.T) {
	id, created := Resolve("abc123def456")
	if created || id != "abc123def456" {
		t.Errorf("Resolve(existing) = (%q, %v), want adopt", id, created)
	}

	id, created = Resolve("")
	if !created || len(id) != IDLength {
		t.Errorf("Resolve(empty) = (%q, %v), want a fresh id", id, created)
	}
}

func TestNewParticipant(t *testing.T) {
	p := NewParticipant("sess-1")
	if p.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", p.SessionID)
	}
	if p.UserID == "" {
		t.Error("empty UserID")
	}
	if !strings.HasPrefix(p.UserName, "User-") {
		t.Errorf("UserName = %q, want User- prefix", p.UserName)
	}

	other := NewParticipant("sess-1")
	if other.UserID == p.UserID {
		t.Error("two participants share a UserID")
	}
}
