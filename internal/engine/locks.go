package engine

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 1024

// lockTable serializes work per identity without allocating a mutex for every
// identity. Two identities that share a stripe simply take turns.
type lockTable struct {
	stripes []sync.Mutex
}

func newLockTable(n int) *lockTable {
	if n <= 0 {
		n = lockStripes
	}
	return &lockTable{stripes: make([]sync.Mutex, n)}
}

func (t *lockTable) lock(identity string) func() {
	m := &t.stripes[xxhash.Sum64String(identity)%uint64(len(t.stripes))]
	m.Lock()
	return m.Unlock
}
