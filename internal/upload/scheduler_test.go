package upload

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_bounds_in_flight_tasks(t *testing.T) {
	s := New(Options{Concurrency: 2, MinTimeout: time.Millisecond}, nil)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Submit(context.Background(), s, func(ctx context.Context) (int, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return i, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, i, v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestSubmit_window_delays_sixth_and_seventh_start(t *testing.T) {
	const window = time.Second
	s := New(Options{Concurrency: 2, Window: window, MaxPerWindow: 5, MinTimeout: time.Millisecond}, nil)

	begin := time.Now()
	var mu sync.Mutex
	var starts []time.Duration
	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				starts = append(starts, time.Since(begin))
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 7)
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	for i := 0; i < 5; i++ {
		assert.Less(t, starts[i], window/2, "start %d", i)
	}
	assert.GreaterOrEqual(t, starts[5], window)
	assert.GreaterOrEqual(t, starts[6], window)
}

func TestSubmit_retries_then_succeeds(t *testing.T) {
	var failed []int
	s := New(Options{
		Concurrency: 1,
		MaxRetries:  3,
		MinTimeout:  time.Millisecond,
		MaxTimeout:  5 * time.Millisecond,
		Factor:      2,
		OnFailedAttempt: func(attempt int, err error) {
			failed = append(failed, attempt)
		},
	}, nil)

	calls := 0
	v, err := Submit(context.Background(), s, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, failed)
}

func TestSubmit_exhausted_returns_original_error(t *testing.T) {
	boom := errors.New("bucket unavailable")
	callbacks := 0
	s := New(Options{
		MaxRetries:      2,
		MinTimeout:      time.Millisecond,
		Factor:          2,
		OnFailedAttempt: func(int, error) { callbacks++ },
	}, nil)

	calls := 0
	err := s.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, callbacks)
}

func TestSubmit_permanent_error_is_not_retried(t *testing.T) {
	boom := errors.New("forbidden")
	s := New(Options{MaxRetries: 5, MinTimeout: time.Millisecond}, nil)

	calls := 0
	err := s.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestSubmit_context_cancelled_while_queued(t *testing.T) {
	s := New(Options{Concurrency: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go s.Do(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, func(ctx context.Context) error {
		t.Error("queued task should not run")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestPolicy_wait_sequence(t *testing.T) {
	s := New(Options{MaxRetries: 5, MinTimeout: 100 * time.Millisecond, MaxTimeout: 300 * time.Millisecond, Factor: 2}, nil)
	b := s.policy(context.Background())

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
		-1,
	}, got)
}

func TestSubmit_retry_keeps_slot_from_queued_task(t *testing.T) {
	s := New(Options{Concurrency: 1, MaxRetries: 1, MinTimeout: 5 * time.Millisecond}, nil)

	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	aStarted := make(chan struct{})
	var attempts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := s.Do(context.Background(), func(ctx context.Context) error {
			n := attempts.Add(1)
			record("a-attempt")
			if n == 1 {
				close(aStarted)
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
	}()

	<-aStarted
	go func() {
		defer wg.Done()
		err := s.Do(context.Background(), func(ctx context.Context) error {
			record("b-attempt")
			return nil
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	// b may only start once a's retry has settled
	assert.Equal(t, []string{"a-attempt", "a-attempt", "b-attempt"}, events)
}
