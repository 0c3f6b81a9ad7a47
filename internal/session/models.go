package session

import (
	"context"
	"time"
)

// State is the lifecycle state of a stream session.
type State int

const (
	Idle State = iota
	Broadcasting
	Ended
	Errored
)

func (s State) String() string {
	switch s {
	case Broadcasting:
		return "broadcasting"
	case Ended:
		return "ended"
	case Errored:
		return "errored"
	default:
		return "idle"
	}
}

// Handle is the transcoder process attached to a broadcasting session.
type Handle interface {
	Write(chunk []byte) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	PID() int
}

// Session is the registry's record for one stream key. Values returned by the
// Registry are snapshots; mutating them has no effect on the registry.
type Session struct {
	StreamKey string
	State     State

	// BroadcasterID is the connection id of the broadcaster, set only while Broadcasting.
	BroadcasterID     string
	BroadcasterUserID string
	Viewers           map[string]struct{}

	// Handle is non-nil exactly when State is Broadcasting.
	Handle Handle

	CreatedAt     time.Time
	StartedAt     time.Time
	LastDataAt    time.Time
	EndedAt       time.Time
	VacantSince   time.Time
	LastError     string
	ChunkCount    int64
	BytesReceived int64

	// DirReady is set once the first chunk of the current broadcast has been accepted.
	DirReady bool

	// Draining is closed when the teardown of the previous broadcast has
	// finished. A new broadcast cannot start before that.
	Draining <-chan struct{}
}

// ViewerCount returns the number of viewer connections.
func (s *Session) ViewerCount() int { return len(s.Viewers) }

// ViewerIDs returns the viewer connection ids in no particular order.
func (s *Session) ViewerIDs() []string {
	ids := make([]string, 0, len(s.Viewers))
	for id := range s.Viewers {
		ids = append(ids, id)
	}
	return ids
}

// Drained reports whether no teardown of an earlier broadcast is pending.
func (s *Session) Drained() bool {
	if s.Draining == nil {
		return true
	}
	select {
	case <-s.Draining:
		return true
	default:
		return false
	}
}

func (s *Session) vacant() bool {
	return s.State != Broadcasting && len(s.Viewers) == 0
}

func (s *Session) clone() Session {
	c := *s
	c.Viewers = make(map[string]struct{}, len(s.Viewers))
	for id := range s.Viewers {
		c.Viewers[id] = struct{}{}
	}
	return c
}

// EventKind names a registry state transition.
type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
	EventTranscoderExit
	EventTranscoderCrash
	// EventAbort returns a broadcasting session to Idle when its output
	// directory cannot be created.
	EventAbort
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	case EventTranscoderExit:
		return "transcoder-exit"
	case EventTranscoderCrash:
		return "transcoder-crash"
	case EventAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Event is the input to Registry.Transition.
type Event struct {
	Kind EventKind
	// ConnID is the acting connection. For EventEnd an empty ConnID skips the
	// broadcaster check (idle timeout, shutdown).
	ConnID string
	UserID string
	// Handle is the process to attach on EventStart, or the process reporting
	// on EventTranscoderExit, EventTranscoderCrash and EventAbort.
	Handle Handle
	Err    error

	// Drain is stored as Session.Draining when the event leaves Broadcasting.
	Drain <-chan struct{}

	// Prepare runs on EventStart under the key lock once the start is allowed
	// and before the session changes. An error rejects the start.
	Prepare func(prev Session) error

	// IdleFor makes EventEnd apply only when the last chunk is at least
	// IdleFor older than IdleAt.
	IdleAt  time.Time
	IdleFor time.Duration
}

// Transition describes an applied state change.
type Transition struct {
	From State
	To   State
	// Broadcaster is the broadcaster connection id before the transition.
	Broadcaster string
	// Detached is the handle removed from the session, if any. The caller owns it.
	Detached Handle
	Session  Session
}
