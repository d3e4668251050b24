package coordination

import "sync"

type entityMutex struct {
	mu       sync.Mutex
	refCount int64
}

// EntityLocks hands out one mutex per entity id for as long as someone holds
// or waits on it. Entries are dropped when the last holder releases.
type EntityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityMutex
}

func NewEntityLocks() *EntityLocks {
	return &EntityLocks{locks: make(map[string]*entityMutex)}
}

// Lock blocks until entityID is free and returns the matching unlock.
func (l *EntityLocks) Lock(entityID string) (unlock func()) {
	l.mu.Lock()
	em, ok := l.locks[entityID]
	if !ok {
		em = &entityMutex{}
		l.locks[entityID] = em
	}
	em.refCount++
	l.mu.Unlock()

	em.mu.Lock()
	return func() {
		em.mu.Unlock()
		l.release(entityID, em)
	}
}

func (l *EntityLocks) release(entityID string, em *entityMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	em.refCount--
	if em.refCount == 0 {
		delete(l.locks, entityID)
	}
}

// Len reports how many entities currently have a holder or waiter.
func (l *EntityLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
