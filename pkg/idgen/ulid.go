// Package idgen generates lexicographically sortable unique identifiers.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var mu sync.Mutex

// New returns a new ULID string. ULIDs are time-prefixed, so identifiers
// generated later sort after earlier ones.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	ms := ulid.Timestamp(time.Now().UTC())
	id, err := ulid.New(ms, rand.Reader)
	if err != nil {
		panic(err) // crypto/rand never fails
	}
	return id.String()
}
