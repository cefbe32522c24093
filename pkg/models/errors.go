package models

import "errors"

// ErrNotFound is returned when a session has no persisted document.
var ErrNotFound = errors.New("session document not found")

// ErrStaleWrite is returned when a snapshot write carries a base version the
// storage layer has already moved past. The writer re-reads the current
// version and writes again; whoever's write lands last still wins.
var ErrStaleWrite = errors.New("stale snapshot write")
