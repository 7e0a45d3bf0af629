package aggregator

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultLockStripes = 256

// keyedLocks serializes work per key over a fixed set of mutexes. Distinct
// keys may share a stripe; that only costs parallelism.
type keyedLocks struct {
	stripes []sync.Mutex
}

func newKeyedLocks(n int) *keyedLocks {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &keyedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *keyedLocks) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
