package pipeline

import "sync"

// entityLocks serializes pipeline work per (user, bot) pair. Two
// submissions for the same bot never evaluate gates concurrently, which is
// what keeps the idempotency and budget checks race-free without
// distributed coordination.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the entity's mutex and returns the unlock function.
func (e *entityLocks) acquire(key string) func() {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
