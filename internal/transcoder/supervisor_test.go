package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setHelperCommand(t *testing.T, mode string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("TRANSCODER_HELPER_MODE=%s", mode),
			fmt.Sprintf("TRANSCODER_HELPER_OUTPUT=%s", args[len(args)-1]),
		)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	out := os.Getenv("TRANSCODER_HELPER_OUTPUT")
	switch os.Getenv("TRANSCODER_HELPER_MODE") {
	case "hls":
		dir := filepath.Dir(out)
		data, _ := io.ReadAll(os.Stdin)
		_ = os.MkdirAll(dir, 0o755)
		_ = os.WriteFile(filepath.Join(dir, "segment_0.ts"), data, 0o644)
		_ = os.WriteFile(out, []byte("#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nsegment_0.ts\n#EXT-X-ENDLIST\n"), 0o644)
		os.Exit(0)
	case "crash":
		buf := make([]byte, 4)
		_, _ = os.Stdin.Read(buf)
		fmt.Fprintln(os.Stderr, "pipe:0: Invalid data found when processing input")
		os.Exit(1)
	case "exit0":
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "thumb":
		_ = os.WriteFile(out, []byte("jpeg"), 0o644)
		os.Exit(0)
	case "thumb_fail":
		fmt.Fprintln(os.Stderr, "no frame")
		os.Exit(1)
	default:
		os.Exit(0)
	}
}

type exitRecord struct {
	err       error
	requested bool
}

func newTestSupervisor(stopTimeout time.Duration) *Supervisor {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSupervisor(Options{Binary: "ffmpeg", InputFormat: "webm", StopTimeout: stopTimeout}, log)
}

func startWithRecorder(t *testing.T, s *Supervisor, dir string) (*Process, chan exitRecord) {
	t.Helper()
	exits := make(chan exitRecord, 1)
	p, err := s.Start("s1", dir, func(p *Process, err error, requested bool) {
		exits <- exitRecord{err: err, requested: requested}
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, exits
}

func waitExit(t *testing.T, exits chan exitRecord) exitRecord {
	t.Helper()
	select {
	case rec := <-exits:
		return rec
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for transcoder exit")
		return exitRecord{}
	}
}

func TestSupervisor_Args(t *testing.T) {
	s := NewSupervisor(Options{InputFormat: "webm", SegmentSeconds: 4}, nil)
	args := strings.Join(s.Args("/srv/hls/s1"), " ")

	for _, want := range []string{
		"-f webm -i pipe:0",
		"-f hls",
		"-hls_time 4",
		"-hls_list_size 0",
		"-hls_segment_filename /srv/hls/s1/segment_%d.ts",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("expected %q in args: %s", want, args)
		}
	}
	if !strings.HasSuffix(args, "/srv/hls/s1/stream.m3u8") {
		t.Errorf("expected manifest as output: %s", args)
	}
}

func TestProcess_write_then_stop_flushes_output(t *testing.T) {
	setHelperCommand(t, "hls")
	dir := filepath.Join(t.TempDir(), "s1")
	s := newTestSupervisor(5 * time.Second)

	p, exits := startWithRecorder(t, s, dir)
	if s.Running() != 1 {
		t.Errorf("expected 1 running process, got %d", s.Running())
	}

	chunks := [][]byte{[]byte("one-"), []byte("two-"), []byte("three")}
	for _, c := range chunks {
		if err := p.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec := waitExit(t, exits)
	if rec.err != nil || !rec.requested {
		t.Errorf("expected clean requested exit, got %+v", rec)
	}
	got, err := os.ReadFile(filepath.Join(dir, "segment_0.ts"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, []byte("one-two-three")) {
		t.Errorf("chunks out of order or lost: %q", got)
	}
	if err := p.Write([]byte("late")); !errors.Is(err, ErrStopping) {
		t.Errorf("expected ErrStopping after stop, got %v", err)
	}
	if s.Running() != 0 {
		t.Errorf("expected no running processes, got %d", s.Running())
	}
}

func TestProcess_crash_is_unrequested(t *testing.T) {
	setHelperCommand(t, "crash")
	s := newTestSupervisor(5 * time.Second)

	p, exits := startWithRecorder(t, s, t.TempDir())
	_ = p.Write([]byte("garbage"))

	rec := waitExit(t, exits)
	if rec.requested {
		t.Error("crash should not be reported as requested")
	}
	if rec.err == nil || !strings.Contains(rec.err.Error(), "Invalid data") {
		t.Errorf("expected error carrying stderr tail, got %v", rec.err)
	}
	if p.Err() == nil {
		t.Error("expected Err after exit")
	}
	if err := p.Write([]byte("x")); !errors.Is(err, ErrExited) {
		t.Errorf("expected ErrExited, got %v", err)
	}
}

func TestProcess_clean_unrequested_exit(t *testing.T) {
	setHelperCommand(t, "exit0")
	s := newTestSupervisor(5 * time.Second)

	_, exits := startWithRecorder(t, s, t.TempDir())
	rec := waitExit(t, exits)
	if rec.err != nil || rec.requested {
		t.Errorf("expected clean unrequested exit, got %+v", rec)
	}
}

func TestProcess_stop_kills_after_timeout(t *testing.T) {
	setHelperCommand(t, "hang")
	s := newTestSupervisor(100 * time.Millisecond)

	p, exits := startWithRecorder(t, s, t.TempDir())

	begin := time.Now()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Errorf("stop took too long: %s", elapsed)
	}
	rec := waitExit(t, exits)
	if !rec.requested {
		t.Error("killed process should be reported as requested")
	}
	if !p.Stopping() {
		t.Error("expected Stopping after Stop")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSupervisor_StopAll(t *testing.T) {
	setHelperCommand(t, "hang")
	s := newTestSupervisor(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := s.Start(fmt.Sprintf("s%d", i), t.TempDir(), nil); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.StopAll(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for s.Running() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Running() != 0 {
		t.Errorf("expected all processes stopped, %d running", s.Running())
	}
}

func TestSupervisor_Thumbnail(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		setHelperCommand(t, "thumb")
		s := newTestSupervisor(time.Second)
		out := filepath.Join(t.TempDir(), "thumbnail.jpg")
		if err := s.Thumbnail(context.Background(), "segment_0.ts", out); err != nil {
			t.Fatalf("Thumbnail: %v", err)
		}
		if _, err := os.Stat(out); err != nil {
			t.Errorf("expected thumbnail written: %v", err)
		}
	})

	t.Run("failure", func(t *testing.T) {
		setHelperCommand(t, "thumb_fail")
		s := newTestSupervisor(time.Second)
		err := s.Thumbnail(context.Background(), "segment_0.ts", filepath.Join(t.TempDir(), "t.jpg"))
		if err == nil || !strings.Contains(err.Error(), "no frame") {
			t.Errorf("expected error with output, got %v", err)
		}
	})
}

func TestLineWriter_splits_and_keeps_last(t *testing.T) {
	w := newLineWriter(slog.New(slog.NewTextHandler(io.Discard, nil)), "stderr")
	_, _ = w.Write([]byte("frame=1\rframe=2\rpartial"))
	if w.Last() != "frame=2" {
		t.Errorf("expected last complete line, got %q", w.Last())
	}
	_, _ = w.Write([]byte(" line\n\n"))
	if w.Last() != "partial line" {
		t.Errorf("expected joined line, got %q", w.Last())
	}
	_, _ = w.Write([]byte("tail"))
	w.Flush()
	if w.Last() != "tail" {
		t.Errorf("expected flushed tail, got %q", w.Last())
	}
}
