package session

import (
	"errors"
	"time"
)

var (
	// ErrConflict is returned when a start is requested for a key that is already broadcasting.
	ErrConflict = errors.New("stream is already broadcasting")

	// ErrNotFound is returned for operations on a key with no session.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when an event does not apply to the session's state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStaleHandle is returned when a process reports on a session it no longer owns.
	ErrStaleHandle = errors.New("transcoder handle is not attached to session")

	// ErrNotBroadcaster is returned when a connection other than the broadcaster
	// sends data or ends the stream.
	ErrNotBroadcaster = errors.New("connection is not the broadcaster")

	// ErrNotBroadcasting is returned when data or an end arrives for a session
	// that is not broadcasting.
	ErrNotBroadcasting = errors.New("stream is not broadcasting")

	// ErrDraining is returned when a start arrives while the previous
	// broadcast of the key is still being torn down.
	ErrDraining = errors.New("previous broadcast is still shutting down")

	// ErrNotIdle is returned when an idle end finds data newer than the threshold.
	ErrNotIdle = errors.New("stream received data within the idle timeout")
)

// Registry is the concurrency-safe store of stream sessions. Every mutation of
// a session happens while holding that session's own lock, so operations on
// different keys never contend. The registry itself performs no I/O; only an
// event's Prepare hook may.
type Registry struct {
	arena *arena
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{arena: newArena(), now: time.Now}
}

func (r *Registry) newSession(key string) func() *Session {
	return func() *Session {
		now := r.now()
		return &Session{
			StreamKey:   key,
			State:       Idle,
			Viewers:     make(map[string]struct{}),
			CreatedAt:   now,
			VacantSince: now,
		}
	}
}

// Get returns a snapshot of the session for key.
func (r *Registry) Get(key string) (Session, bool) {
	sl := r.arena.lock(key, nil)
	if sl == nil {
		return Session{}, false
	}
	defer sl.mu.Unlock()
	return sl.s.clone(), true
}

// Create returns the session for key, creating an Idle one if absent.
// The bool reports whether a session was created.
func (r *Registry) Create(key string) (Session, bool) {
	created := false
	sl := r.arena.lock(key, func() *Session {
		created = true
		return r.newSession(key)()
	})
	defer sl.mu.Unlock()
	return sl.s.clone(), created
}

// View runs fn while holding the lock for key. fn receives nil when there is
// no session. fn must not retain or modify the session.
func (r *Registry) View(key string, fn func(s *Session)) {
	sl := r.arena.lock(key, nil)
	if sl == nil {
		fn(nil)
		return
	}
	defer sl.mu.Unlock()
	fn(sl.s)
}

// Transition applies ev to the session for key. EventStart creates the session
// when absent; other events require an existing session.
func (r *Registry) Transition(key string, ev Event) (Transition, error) {
	var newFn func() *Session
	if ev.Kind == EventStart {
		newFn = r.newSession(key)
	}
	sl := r.arena.lock(key, newFn)
	if sl == nil {
		return Transition{}, ErrNotFound
	}
	defer sl.mu.Unlock()

	s := sl.s
	t := Transition{From: s.State, Broadcaster: s.BroadcasterID}
	now := r.now()

	switch ev.Kind {
	case EventStart:
		if s.State == Broadcasting {
			return Transition{}, ErrConflict
		}
		if ev.Handle == nil || ev.ConnID == "" {
			return Transition{}, ErrInvalidTransition
		}
		if !s.Drained() {
			return Transition{}, ErrDraining
		}
		s.Draining = nil
		if ev.Prepare != nil {
			if err := ev.Prepare(s.clone()); err != nil {
				return Transition{}, err
			}
		}
		s.State = Broadcasting
		s.BroadcasterID = ev.ConnID
		s.BroadcasterUserID = ev.UserID
		s.Handle = ev.Handle
		s.StartedAt = now
		s.LastDataAt = now
		s.EndedAt = time.Time{}
		s.VacantSince = time.Time{}
		s.LastError = ""
		s.ChunkCount = 0
		s.BytesReceived = 0
		s.DirReady = false

	case EventEnd:
		if s.State != Broadcasting {
			return Transition{}, ErrNotBroadcasting
		}
		if ev.ConnID != "" && ev.ConnID != s.BroadcasterID {
			return Transition{}, ErrNotBroadcaster
		}
		if ev.IdleFor > 0 && ev.IdleAt.Sub(s.LastDataAt) < ev.IdleFor {
			return Transition{}, ErrNotIdle
		}
		t.Detached = r.leaveBroadcasting(s, Ended, now, ev.Drain)

	case EventTranscoderExit, EventTranscoderCrash, EventAbort:
		if s.State != Broadcasting || s.Handle != ev.Handle {
			return Transition{}, ErrStaleHandle
		}
		to := Ended
		switch ev.Kind {
		case EventTranscoderCrash:
			to = Errored
		case EventAbort:
			to = Idle
		}
		t.Detached = r.leaveBroadcasting(s, to, now, ev.Drain)
		if ev.Err != nil {
			s.LastError = ev.Err.Error()
		}

	default:
		return Transition{}, ErrInvalidTransition
	}

	t.To = s.State
	t.Session = s.clone()
	return t, nil
}

// leaveBroadcasting moves s out of Broadcasting and returns the detached handle.
func (r *Registry) leaveBroadcasting(s *Session, to State, now time.Time, drain <-chan struct{}) Handle {
	h := s.Handle
	s.Handle = nil
	s.Draining = drain
	s.State = to
	s.BroadcasterID = ""
	if to != Idle {
		s.EndedAt = now
	}
	if s.vacant() {
		s.VacantSince = now
	}
	return h
}

// Remove deletes the session for key. A broadcasting session cannot be removed
// because its process handle would be orphaned.
func (r *Registry) Remove(key string) error {
	sl := r.arena.lock(key, nil)
	if sl == nil {
		return ErrNotFound
	}
	defer sl.mu.Unlock()
	if sl.s.State == Broadcasting {
		return ErrInvalidTransition
	}
	r.arena.removeLocked(key, sl)
	return nil
}

// AddViewer adds connID to the viewers of key, creating an Idle session when
// absent, and returns the updated snapshot.
func (r *Registry) AddViewer(key, connID string) Session {
	sl := r.arena.lock(key, r.newSession(key))
	defer sl.mu.Unlock()
	sl.s.Viewers[connID] = struct{}{}
	sl.s.VacantSince = time.Time{}
	return sl.s.clone()
}

// RemoveViewer removes connID from the viewers of key and returns the updated
// snapshot. removed is false when connID was not a viewer.
func (r *Registry) RemoveViewer(key, connID string) (s Session, removed bool, err error) {
	sl := r.arena.lock(key, nil)
	if sl == nil {
		return Session{}, false, ErrNotFound
	}
	defer sl.mu.Unlock()
	cur := sl.s
	if _, ok := cur.Viewers[connID]; ok {
		delete(cur.Viewers, connID)
		removed = true
		if cur.vacant() {
			cur.VacantSince = r.now()
		}
	}
	return cur.clone(), removed, nil
}

// Touch records a chunk of n bytes from connID and returns the handle to write
// it to. first is true for the first accepted chunk of the current broadcast.
func (r *Registry) Touch(key, connID string, n int) (h Handle, first bool, err error) {
	sl := r.arena.lock(key, nil)
	if sl == nil {
		return nil, false, ErrNotFound
	}
	defer sl.mu.Unlock()
	s := sl.s
	if s.State != Broadcasting {
		return nil, false, ErrNotBroadcasting
	}
	if s.BroadcasterID != connID {
		return nil, false, ErrNotBroadcaster
	}
	s.LastDataAt = r.now()
	s.ChunkCount++
	s.BytesReceived += int64(n)
	first = !s.DirReady
	s.DirReady = true
	return s.Handle, first, nil
}

// Keys returns all stream keys in sorted order.
func (r *Registry) Keys() []string {
	return r.arena.keys()
}

// List returns snapshots of sessions matching keep, ordered by key.
// A nil keep matches everything.
func (r *Registry) List(keep func(s *Session) bool) []Session {
	var out []Session
	for _, key := range r.arena.keys() {
		r.View(key, func(s *Session) {
			if s != nil && (keep == nil || keep(s)) {
				out = append(out, s.clone())
			}
		})
	}
	return out
}

// Counts returns the number of sessions and how many are broadcasting.
func (r *Registry) Counts() (total, broadcasting int) {
	for _, s := range r.List(nil) {
		total++
		if s.State == Broadcasting {
			broadcasting++
		}
	}
	return total, broadcasting
}

// Idle returns broadcasting sessions whose last chunk is at least threshold old.
func (r *Registry) Idle(now time.Time, threshold time.Duration) []Session {
	return r.List(func(s *Session) bool {
		return s.State == Broadcasting && now.Sub(s.LastDataAt) >= threshold
	})
}

// Sweep removes sessions that have had no broadcaster and no viewers for at
// least grace and returns what was removed. Sessions whose teardown is still
// running are kept.
func (r *Registry) Sweep(now time.Time, grace time.Duration) []Session {
	var removed []Session
	for _, key := range r.arena.keys() {
		sl := r.arena.lock(key, nil)
		if sl == nil {
			continue
		}
		s := sl.s
		if s.vacant() && s.Drained() && !s.VacantSince.IsZero() && now.Sub(s.VacantSince) >= grace {
			removed = append(removed, s.clone())
			r.arena.removeLocked(key, sl)
		}
		sl.mu.Unlock()
	}
	return removed
}
