package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"hls-livestream/internal/platform/logger"
)

// Local copies artifacts into a directory tree, for development and for
// deployments that front a shared volume with a CDN.
type Local struct {
	basePath string
	baseURL  string
	log      *slog.Logger
	disabled bool
}

// NewLocal returns a Local store rooted at basePath. An empty path disables it.
func NewLocal(basePath, baseURL string, log *slog.Logger) (*Local, error) {
	log = logger.Component(log, "local-storage")

	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		log.Warn("LOCAL_STORAGE_PATH is not set; local storage is disabled")
		return &Local{log: log, disabled: true}, nil
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}

	log.Info("local storage initialized", slog.String("path", basePath))
	return &Local{basePath: basePath, baseURL: strings.TrimSpace(baseURL), log: log}, nil
}

func (l *Local) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if l.disabled {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	full := filepath.Join(l.basePath, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (l *Local) Enabled() bool { return !l.disabled }

func (l *Local) URL(key string) string { return joinURL(l.baseURL, key) }

func (l *Local) Name() string { return "local" }
