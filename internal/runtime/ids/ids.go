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

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Sessions, correlation ids and relayed event messages are keyed by it.
func CreateULID() string {
	return createULIDAt(time.Now())
}

func createULIDAt(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(ts), entropy)
	return id.String()
}

// ULIDTime extracts the creation time encoded in a ULID string.
func ULIDTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// NewAuditID returns a random (version 4) UUID for audit records.
func NewAuditID() string {
	return uuid.NewString()
}
