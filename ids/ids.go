// Package ids generates lexicographically sortable, time-ordered
// identifiers for operations and other durably-recorded entities.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is shared and mutex-guarded because ulid.MonotonicReader is not
// safe for concurrent use on its own.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewOperationID returns a new time-ordered, sortable identifier suitable
// for operation IDs, idempotency keys, and restore-operation IDs.
func NewOperationID() string {
	mu.Lock()
	defer mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
