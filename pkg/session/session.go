// Package session derives participant and session identities.
//
// A session is identified by one shareable token: whoever possesses the
// token joins the same workspace. A participant identity is minted once per
// process (the analog of one browser tab) and is stable for its lifetime.
package session

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/codetogether/codetogether/pkg/models"
)

// IDLength is the length of a generated session id.
const IDLength = 12

// URL-safe alphabet, same shape as the original share links.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// NewSessionID mints a new URL-safe session token.
func NewSessionID() string {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is documented never to fail on supported platforms
		panic("session: rand.Read: " + err.Error())
	}
	var b strings.Builder
	b.Grow(IDLength)
	for _, c := range buf {
		b.WriteByte(idAlphabet[int(c)%len(idAlphabet)])
	}
	return b.String()
}

// Resolve adopts an externally supplied session token, or mints a new one
// when the token is empty. It reports whether a new session id was created,
// in which case the caller should publish it back into the entry context so
// the session can be shared.
func Resolve(existing string) (id string, created bool) {
	if existing != "" {
		return existing, false
	}
	return NewSessionID(), true
}

// NewParticipant creates the identity for this process: a random user id
// and a short generated display name.
func NewParticipant(sessionID string) *models.Participant {
	id := uuid.NewString()
	return &models.Participant{
		SessionID: sessionID,
		UserID:    id,
		UserName:  "User-" + strings.ToUpper(id[:4]),
	}
}
