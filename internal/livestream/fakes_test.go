package livestream

import (
	"context"
	"errors"
	"sync"

	"hls-livestream/internal/notify"
	"hls-livestream/internal/session"
)

type fakeHandle struct {
	pid int

	mu       sync.Mutex
	chunks   [][]byte
	stopped  bool
	writeErr error

	// release, when set, holds Stop until it is closed or ctx expires.
	release chan struct{}

	once sync.Once
	done chan struct{}
	err  error
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) Write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.chunks = append(h.chunks, append([]byte(nil), p...))
	return nil
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit(nil)
	return nil
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return h.err }
func (h *fakeHandle) PID() int              { return h.pid }

func (h *fakeHandle) Chunks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chunks)
}

func (h *fakeHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// fakeLauncher hands out fake handles and keeps their exit callbacks so tests
// can simulate a process dying.
type fakeLauncher struct {
	mu      sync.Mutex
	err     error
	next    *fakeHandle
	started []*fakeHandle
	exits   map[*fakeHandle]ExitFunc
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{exits: make(map[*fakeHandle]ExitFunc)}
}

func (l *fakeLauncher) Start(key, dir string, onExit ExitFunc) (session.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := l.next
	l.next = nil
	if h == nil {
		h = newFakeHandle(1000 + len(l.started))
	}
	l.started = append(l.started, h)
	l.exits[h] = onExit
	return h, nil
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.started) == 0 {
		return nil
	}
	return l.started[len(l.started)-1]
}

// crash makes h exit with err as an unrequested exit.
func (l *fakeLauncher) crash(h *fakeHandle, err error) {
	l.mu.Lock()
	fn := l.exits[h]
	l.mu.Unlock()
	h.exit(err)
	fn(h, err, false)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs map[string][]Outbound
}

func newRecordingSink() *recordingSink {
	return &recordingSink{msgs: make(map[string][]Outbound)}
}

func (s *recordingSink) Deliver(connID string, msg Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[connID] = append(s.msgs[connID], msg)
}

func (s *recordingSink) types(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs[connID] {
		out = append(out, m.Type)
	}
	return out
}

func (s *recordingSink) last(connID string) (Outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[connID]
	if len(msgs) == 0 {
		return Outbound{}, false
	}
	return msgs[len(msgs)-1], true
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Lifecycle
}

func (n *recordingNotifier) Send(ev notify.Lifecycle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) statuses() []notify.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Status
	for _, ev := range n.events {
		out = append(out, ev.Status)
	}
	return out
}

type recordingPublisher struct {
	mu         sync.Mutex
	broadcasts []string
	finalized  []string

	// finalizeCtxErr holds ctx.Err() as each Finalize call saw it.
	finalizeCtxErr []error
}

func (p *recordingPublisher) Enabled() bool                             { return false }
func (p *recordingPublisher) Sync(context.Context, string) (int, error) { return 0, nil }
func (p *recordingPublisher) Forget(string)                             {}

func (p *recordingPublisher) Begin(key, broadcast string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, broadcast)
}

func (p *recordingPublisher) Finalize(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalized = append(p.finalized, key)
	p.finalizeCtxErr = append(p.finalizeCtxErr, ctx.Err())
	return nil
}

var errBoom = errors.New("boom")
