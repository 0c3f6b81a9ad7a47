package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis Streams notifier.
type RedisOptions struct {
	Addr     string
	Password string
	Stream   string
	// MaxLen caps the stream length approximately; zero means 10000.
	MaxLen int64
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Redis appends lifecycle events to a Redis stream with XADD.
type Redis struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
}

// NewRedis returns a Redis notifier. The connection is established lazily.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{strings.TrimSpace(opts.Addr)},
		Password:   opts.Password,
		MaxRetries: 2,
	})
	return newRedis(client, client.Close, opts)
}

func newRedis(client streamAdder, closer func() error, opts RedisOptions) *Redis {
	stream := strings.TrimSpace(opts.Stream)
	if stream == "" {
		stream = "livestream:lifecycle"
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Redis{client: client, closer: closer, stream: stream, maxLen: maxLen}
}

func (r *Redis) Notify(ctx context.Context, ev Lifecycle) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"streamKey": ev.StreamKey,
			"status":    string(ev.Status),
			"payload":   string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Close releases the client connection pool.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
