package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds the environment driven configuration for the livestream service.
type Config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL"`

	// HLS output
	HLSRoot           string `env:"HLS_ROOT" envDefault:"./public/livestreams"`
	HLSRetainForVOD   bool   `env:"HLS_RETAIN_FOR_VOD" envDefault:"false"`
	HLSSegmentSeconds int    `env:"HLS_SEGMENT_SECONDS" envDefault:"2"`

	// Transcoder
	FFmpegPath            string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFmpegInputFormat     string        `env:"FFMPEG_INPUT_FORMAT" envDefault:"webm"`
	TranscoderStopTimeout time.Duration `env:"TRANSCODER_STOP_TIMEOUT" envDefault:"5s"`
	TranscoderIdleTimeout time.Duration `env:"TRANSCODER_IDLE_TIMEOUT" envDefault:"30s"`
	IdleCheckInterval     time.Duration `env:"IDLE_CHECK_INTERVAL" envDefault:"5s"`
	SessionEvictionGrace  time.Duration `env:"SESSION_EVICTION_GRACE" envDefault:"2m"`

	// Signaling transport
	WSHeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSMaxMessageBytes   int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"8388608"`
	WSAllowedOrigins    []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	// Artifact uploads
	UploadConcurrency    int           `env:"UPLOAD_CONCURRENCY" envDefault:"2"`
	UploadWindow         time.Duration `env:"UPLOAD_WINDOW" envDefault:"1s"`
	UploadMaxPerWindow   int           `env:"UPLOAD_MAX_PER_WINDOW" envDefault:"5"`
	UploadMaxRetries     int           `env:"UPLOAD_MAX_RETRIES" envDefault:"3"`
	UploadMinTimeout     time.Duration `env:"UPLOAD_MIN_TIMEOUT" envDefault:"1s"`
	UploadMaxTimeout     time.Duration `env:"UPLOAD_MAX_TIMEOUT" envDefault:"10s"`
	UploadFactor         float64       `env:"UPLOAD_FACTOR" envDefault:"2"`
	ArtifactSyncInterval time.Duration `env:"ARTIFACT_SYNC_INTERVAL" envDefault:"4s"`
	ArtifactFinalizeWait time.Duration `env:"ARTIFACT_FINALIZE_TIMEOUT" envDefault:"30s"`
	StreamRestartWait    time.Duration `env:"STREAM_RESTART_WAIT" envDefault:"10s"`

	// Remote storage: "none", "s3" or "local"
	StorageBackend   string `env:"STORAGE_BACKEND" envDefault:"none"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3Region         string `env:"S3_REGION" envDefault:"auto"`
	S3Bucket         string `env:"S3_BUCKET"`
	S3AccessKeyID    string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey      string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle   bool   `env:"S3_USE_PATH_STYLE" envDefault:"true"`
	S3PublicBaseURL  string `env:"S3_PUBLIC_BASE_URL"`
	LocalStoragePath string `env:"LOCAL_STORAGE_PATH"`

	// Lifecycle notifications
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisStream      string `env:"REDIS_STREAM" envDefault:"livestream:lifecycle"`
	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Parse reads the environment into a Config. A missing .env file at any of
// paths is not an error; a malformed one is.
func Parse(paths ...string) (*Config, error) {
	if err := Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.S3Bucket = strings.TrimSpace(cfg.S3Bucket)
	cfg.S3Endpoint = strings.TrimSpace(cfg.S3Endpoint)
	cfg.S3AccessKeyID = strings.TrimSpace(cfg.S3AccessKeyID)
	cfg.S3SecretKey = strings.TrimSpace(cfg.S3SecretKey)
	if cfg.HLSSegmentSeconds <= 0 {
		cfg.HLSSegmentSeconds = 2
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 1
	}
	return cfg, nil
}

// PlaybackURL returns the public manifest URL for a stream key.
func (c *Config) PlaybackURL(streamKey string) string {
	return fmt.Sprintf("%s/livestream/%s/stream.m3u8", c.PublicBaseURL, streamKey)
}
