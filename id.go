package descartes

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for session, transcript, lease, and task identifiers so that
// lexical and chronological order coincide.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns the current time as Unix milliseconds, the unit
// transcript entries and RPC timestamps are recorded in.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
