package core

import "sync"

// lockArena hands out one mutex per key so work scoped to the same
// organization serializes while different organizations proceed
// concurrently. Mutexes are never evicted; the key space is the set of
// organization codes, which is small.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*sync.Mutex)}
}

func (a *lockArena) acquire(key string) *sync.Mutex {
	a.mu.Lock()
	lock, ok := a.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[key] = lock
	}
	a.mu.Unlock()
	lock.Lock()
	return lock
}
