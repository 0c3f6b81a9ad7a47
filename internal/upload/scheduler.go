package upload

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hls-livestream/internal/platform/logger"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// Task is a unit of work submitted to a Scheduler. It may be invoked more than
// once when it fails.
type Task[T any] func(ctx context.Context) (T, error)

// Options configures a Scheduler.
type Options struct {
	// Concurrency is the maximum number of tasks executing at once.
	Concurrency int
	// Window and MaxPerWindow bound how many tasks may start per window.
	// Either being zero disables the rate limit.
	Window       time.Duration
	MaxPerWindow int
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Factor     float64
	// OnFailedAttempt runs after a failed attempt and before the backoff sleep.
	// It is not called for the final failure.
	OnFailedAttempt func(attempt int, err error)
}

// Scheduler runs tasks under a FIFO concurrency bound and a start-rate limit,
// retrying failures with exponential backoff. A retry keeps the concurrency
// slot of the attempt that failed.
type Scheduler struct {
	opts    Options
	sem     *semaphore.Weighted
	limiter *windowLimiter
	log     *slog.Logger
}

// New returns a Scheduler. Log may be nil.
func New(opts Options, log *slog.Logger) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = time.Second
	}
	if opts.MaxTimeout < opts.MinTimeout {
		opts.MaxTimeout = opts.MinTimeout
	}
	if opts.Factor < 1 {
		opts.Factor = 1
	}
	return &Scheduler{
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		limiter: newWindowLimiter(opts.Window, opts.MaxPerWindow),
		log:     logger.Component(log, "upload"),
	}
}

// Permanent marks err as not worth retrying. Submit returns err itself.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Submit runs task on s and returns its result. It blocks until the task
// settles or ctx is done. After retries are exhausted the last error is
// returned unmodified.
func Submit[T any](ctx context.Context, s *Scheduler, task Task[T]) (T, error) {
	var zero T

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer s.sem.Release(1)

	if err := s.limiter.wait(ctx); err != nil {
		return zero, err
	}

	var (
		result  T
		attempt int
	)
	op := func() error {
		attempt++
		v, err := task(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Debug("upload attempt failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))
		if s.opts.OnFailedAttempt != nil {
			s.opts.OnFailedAttempt(attempt, err)
		}
	}

	if err := backoff.RetryNotify(op, s.policy(ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		return zero, err
	}
	return result, nil
}

// Do runs a task with no result value.
func (s *Scheduler) Do(ctx context.Context, task func(ctx context.Context) error) error {
	_, err := Submit(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, task(ctx)
	})
	return err
}

// policy yields waits of min(MaxTimeout, MinTimeout*Factor^(n-1)) for the n-th retry.
func (s *Scheduler) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.MinTimeout
	exp.Multiplier = s.opts.Factor
	exp.MaxInterval = s.opts.MaxTimeout
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.opts.MaxRetries)), ctx)
}
