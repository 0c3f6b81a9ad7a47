package session

import (
	"sort"
	"sync"
)

// slot holds one session behind its own mutex. A removed slot is never reused;
// lockers that find removed set look the key up again.
type slot struct {
	mu      sync.Mutex
	s       *Session
	removed bool
}

// arena maps stream keys to slots. The map lock is held only for lookup and
// insertion, never while a slot is locked by the same goroutine.
type arena struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

func newArena() *arena {
	return &arena{slots: make(map[string]*slot)}
}

// lock returns the locked slot for key. When create is false and the key is
// absent it returns nil. newFn builds the session for a fresh slot.
func (a *arena) lock(key string, newFn func() *Session) *slot {
	for {
		a.mu.RLock()
		sl := a.slots[key]
		a.mu.RUnlock()

		if sl == nil {
			if newFn == nil {
				return nil
			}
			a.mu.Lock()
			sl = a.slots[key]
			if sl == nil {
				sl = &slot{s: newFn()}
				a.slots[key] = sl
			}
			a.mu.Unlock()
		}

		sl.mu.Lock()
		if !sl.removed {
			return sl
		}
		sl.mu.Unlock()
	}
}

// removeLocked deletes the slot for key. The caller holds sl.mu.
func (a *arena) removeLocked(key string, sl *slot) {
	sl.removed = true
	a.mu.Lock()
	if a.slots[key] == sl {
		delete(a.slots, key)
	}
	a.mu.Unlock()
}

func (a *arena) keys() []string {
	a.mu.RLock()
	keys := make([]string, 0, len(a.slots))
	for k := range a.slots {
		keys = append(keys, k)
	}
	a.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
