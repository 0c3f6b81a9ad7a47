package upload

import (
	"context"
	"sync"
	"time"
)

// windowLimiter caps task starts per fixed window. The window opens on the
// first start after a reset; once max starts have been counted, callers wait
// for the remainder of the window and check again.
type windowLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	count  int
	start  time.Time
	now    func() time.Time
}

func newWindowLimiter(window time.Duration, max int) *windowLimiter {
	if window <= 0 || max <= 0 {
		return nil
	}
	return &windowLimiter{window: window, max: max, now: time.Now}
}

// wait blocks until a start is permitted or ctx is done. A nil limiter never blocks.
func (l *windowLimiter) wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		delay, ok := l.reserve()
		if ok {
			return nil
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *windowLimiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.start.IsZero() || now.Sub(l.start) >= l.window {
		l.start = now
		l.count = 0
	}
	if l.count < l.max {
		l.count++
		return 0, true
	}
	return l.window - now.Sub(l.start), false
}
