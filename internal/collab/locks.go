package collab

import "sync"

// branchLocks serializes head-read-then-append sequences per branch so that
// concurrent merges or rollbacks into the same branch cannot both observe the
// same head.
type branchLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newBranchLocks() *branchLocks {
	return &branchLocks{locks: make(map[string]*sync.Mutex)}
}

func (b *branchLocks) lock(key string) func() {
	b.mu.Lock()
	m, ok := b.locks[key]
	if !ok {
		m = &sync.Mutex{}
		b.locks[key] = m
	}
	b.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) lockBranch(branchID BranchID) func() {
	return s.branchLocks.lock(branchID.String())
}
