package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStopping is returned by Write once Stop has been called.
	ErrStopping = errors.New("transcoder is stopping")
	// ErrExited is returned by Write after the process has exited.
	ErrExited = errors.New("transcoder has exited")
)

// ExitFunc is called once when a process exits. requested reports whether
// Stop was called before the exit.
type ExitFunc func(p *Process, err error, requested bool)

// Process is a running transcoder owned by one broadcasting session. Chunks are
// written through a single-writer slot so they reach stdin in call order.
type Process struct {
	key    string
	dir    string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	stderr *lineWriter
	log    *slog.Logger

	slot     chan struct{}
	done     chan struct{}
	err      error
	stopping atomic.Bool
	stopOnce sync.Once

	writeGrace  time.Duration
	stopTimeout time.Duration
}

// StreamKey returns the key the process transcodes for.
func (p *Process) StreamKey() string { return p.key }

// Dir returns the output directory.
func (p *Process) Dir() string { return p.dir }

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error. Only valid after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stopping reports whether Stop has been called.
func (p *Process) Stopping() bool { return p.stopping.Load() }

// Write delivers chunk to the transcoder's stdin. It blocks while another
// write is in flight or the pipe is full, which only stalls this stream.
func (p *Process) Write(chunk []byte) error {
	if p.stopping.Load() {
		return ErrStopping
	}
	select {
	case p.slot <- struct{}{}:
	case <-p.done:
		return ErrExited
	}
	defer func() { <-p.slot }()

	if p.stopping.Load() {
		return ErrStopping
	}
	if _, err := p.stdin.Write(chunk); err != nil {
		return fmt.Errorf("write transcoder input: %w", err)
	}
	return nil
}

// Stop ends the process: no new writes are accepted, an in-flight write gets
// up to the write grace to finish, stdin is closed so the transcoder can flush
// its final playlist, and the process is killed if it has not exited within
// the stop timeout. Stop is safe to call more than once and waits for exit.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		go p.shutdown(ctx)
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) shutdown(ctx context.Context) {
	grace := time.NewTimer(p.writeGrace)
	defer grace.Stop()
	select {
	case p.slot <- struct{}{}:
		defer func() { <-p.slot }()
	case <-p.done:
		return
	case <-grace.C:
		p.log.Warn("in-flight chunk did not finish before stop")
	case <-ctx.Done():
	}

	if err := p.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		p.log.Debug("close transcoder input", slog.String("error", err.Error()))
	}

	wait := time.NewTimer(p.stopTimeout)
	defer wait.Stop()
	select {
	case <-p.done:
		return
	case <-wait.C:
	case <-ctx.Done():
	}

	p.log.Warn("transcoder did not exit after input closed, killing", slog.Int("pid", p.PID()))
	p.cancel()
	<-p.done
}

func (p *Process) wait(onExit ExitFunc) {
	err := p.cmd.Wait()
	p.stderr.Flush()
	if err != nil {
		if last := p.stderr.Last(); last != "" {
			err = fmt.Errorf("%w: %s", err, last)
		}
	}
	p.err = err
	p.cancel()
	close(p.done)

	requested := p.stopping.Load()
	if onExit != nil {
		onExit(p, err, requested)
	}
}
