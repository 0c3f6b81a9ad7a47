package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"hls-livestream/internal/platform/config"
)

// ErrDisabled is returned by Put on a store that has no backend configured.
var ErrDisabled = errors.New("remote storage is not configured")

// Store accepts stream artifacts for remote delivery.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Enabled reports whether Put can succeed at all.
	Enabled() bool
	// URL returns the public URL for key, or "" when none is configured.
	URL(key string) string
	Name() string
}

// New builds the Store selected by cfg.StorageBackend. An unconfigured
// backend yields a disabled store rather than an error.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (Store, error) {
	switch cfg.StorageBackend {
	case "", "none":
		return Nop{}, nil
	case "s3", "r2":
		return NewS3(ctx, S3Options{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		}, log)
	case "local":
		return NewLocal(cfg.LocalStoragePath, cfg.S3PublicBaseURL, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Nop is a disabled Store.
type Nop struct{}

func (Nop) Put(context.Context, string, []byte, string) error { return ErrDisabled }
func (Nop) Enabled() bool                                     { return false }
func (Nop) URL(string) string                                 { return "" }
func (Nop) Name() string                                      { return "none" }

func joinURL(base, key string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
