package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier suitable for row keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewClientID returns a random, non-sortable client identifier.
func NewClientID() string {
	return uuid.NewString()
}

// NewRequestID returns an identifier for correlating a single request.
func NewRequestID() string {
	return uuid.NewString()
}
