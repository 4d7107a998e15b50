package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"tunetime/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewMessageID returns a ULID used as persisted message id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEventID returns a short random hex id stamped onto outbound event
// envelopes. Event ids are never persisted or sorted, so uniqueness within a
// client's recent window is all that is needed; a failed entropy read yields
// an empty id rather than an error the caller cannot act on.
func NewEventID() string {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}
