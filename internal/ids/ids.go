// Package ids wraps the identifier generators used across the control
// plane: UUIDs for persistent entities (Host, Session, Approval) and ULIDs
// for command ids, which need to be lexicographically monotonic.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUID returns a random UUID string (Host, Session, Approval ids, etc.).
func NewUUID() string {
	return uuid.NewString()
}

// entropy is a monotonic ULID source guarded by a mutex: oklog/ulid's
// monotonic reader is not safe for concurrent use on its own.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCommandID returns a new lexicographically-monotonic ULID string,
// suitable as a commands.dispatch cmd_id.
func NewCommandID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
