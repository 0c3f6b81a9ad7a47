package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"hls-livestream/internal/hls"
	"hls-livestream/internal/platform/logger"
)

// commandContext is replaced in tests.
var commandContext = exec.CommandContext

// Options configures how transcoder processes are launched and stopped.
type Options struct {
	Binary         string
	InputFormat    string
	SegmentSeconds int
	// WriteGrace bounds how long Stop waits for an in-flight chunk.
	WriteGrace time.Duration
	// StopTimeout bounds how long Stop waits for exit after closing stdin.
	StopTimeout time.Duration
}

// Supervisor launches one ffmpeg process per broadcast and tracks the ones
// still running.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	running map[*Process]struct{}
}

// NewSupervisor returns a Supervisor. Zero option values get defaults.
func NewSupervisor(opts Options, log *slog.Logger) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 2
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.WriteGrace <= 0 {
		opts.WriteGrace = opts.StopTimeout
	}
	return &Supervisor{
		opts:    opts,
		log:     logger.Component(log, "transcoder"),
		running: make(map[*Process]struct{}),
	}
}

// Args returns the ffmpeg arguments for a stream writing into dir.
func (s *Supervisor) Args(dir string) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}
	if s.opts.InputFormat != "" {
		args = append(args, "-f", s.opts.InputFormat)
	}
	args = append(args,
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-maxrate", "2500k",
		"-bufsize", "5000k",
		"-vf", "scale=1280:720",
		"-g", "60",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(s.opts.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(dir, hls.SegmentPattern),
		filepath.Join(dir, hls.ManifestName),
	)
	return args
}

// Start launches a transcoder for key that reads media from stdin and writes
// HLS output into dir. dir need not exist until the first chunk is written.
// onExit runs on the exit watcher goroutine after the process is reaped.
func (s *Supervisor) Start(key, dir string, onExit ExitFunc) (*Process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := commandContext(ctx, s.opts.Binary, s.Args(dir)...)

	log := s.log.With(slog.String("stream_key", key))
	stderr := newLineWriter(log, "stderr")
	cmd.Stdout = newLineWriter(log, "stdout")
	cmd.Stderr = stderr
	cmd.WaitDelay = s.opts.StopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transcoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	p := &Process{
		key:         key,
		dir:         dir,
		cmd:         cmd,
		stdin:       stdin,
		cancel:      cancel,
		stderr:      stderr,
		log:         log.With(slog.Int("pid", cmd.Process.Pid)),
		slot:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		writeGrace:  s.opts.WriteGrace,
		stopTimeout: s.opts.StopTimeout,
	}

	s.mu.Lock()
	s.running[p] = struct{}{}
	s.mu.Unlock()

	p.log.Info("transcoder started", slog.String("dir", dir))
	go p.wait(func(p *Process, err error, requested bool) {
		s.mu.Lock()
		delete(s.running, p)
		s.mu.Unlock()

		attrs := []any{slog.Bool("requested", requested)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		if err != nil && !requested {
			p.log.Warn("transcoder exited unexpectedly", attrs...)
		} else {
			p.log.Info("transcoder exited", attrs...)
		}
		if onExit != nil {
			onExit(p, err, requested)
		}
	})
	return p, nil
}

// Running returns the number of processes that have not exited.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// StopAll stops every running process and waits for them to exit or ctx to end.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.running))
	for p := range s.running {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				p.log.Warn("stop transcoder", slog.String("error", err.Error()))
			}
		}(p)
	}
	wg.Wait()
}

// Thumbnail extracts one frame from segment into out as a JPEG.
func (s *Supervisor) Thumbnail(ctx context.Context, segment, out string) error {
	cmd := commandContext(ctx, s.opts.Binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", segment,
		"-frames:v", "1",
		"-q:v", "3",
		out,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("extract thumbnail: %w: %s", err, bytesTail(output))
	}
	return nil
}

func bytesTail(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}
