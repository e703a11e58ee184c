package realtime

import (
	"time"

	"chatroom/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id for direct (non-bus) sends.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return NewRandomHex(16)
	}
	return id
}

// NewRecoveryToken returns the opaque token a client presents to resume a
// parked session. It is not derived from the session id so it cannot be
// guessed from logs.
func NewRecoveryToken() string {
	return NewRandomHex(24)
}
