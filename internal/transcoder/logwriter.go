package transcoder

import (
	"bytes"
	"log/slog"
	"sync"
)

const maxPendingLine = 64 << 10

// lineWriter forwards process output to a logger one line at a time and keeps
// the last non-empty line for error reports. ffmpeg separates progress updates
// with carriage returns, so both \r and \n end a line.
type lineWriter struct {
	mu      sync.Mutex
	log     *slog.Logger
	stream  string
	pending []byte
	last    string
}

func newLineWriter(log *slog.Logger, stream string) *lineWriter {
	return &lineWriter{log: log, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexAny(w.pending, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > maxPendingLine {
		w.emit(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.last = string(line)
	w.log.Debug("transcoder output", slog.String("stream", w.stream), slog.String("line", w.last))
}

// Flush logs any unterminated trailing output.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

// Last returns the most recent non-empty line.
func (w *lineWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
