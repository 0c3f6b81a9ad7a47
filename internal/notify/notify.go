package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hls-livestream/internal/platform/config"
	"hls-livestream/internal/platform/logger"
)

// Status is the lifecycle status reported to the metadata collaborator.
type Status string

const (
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
	StatusErrored Status = "errored"
)

// Lifecycle is one stream lifecycle notification.
type Lifecycle struct {
	StreamKey   string    `json:"streamKey"`
	UserID      string    `json:"userId,omitempty"`
	Status      Status    `json:"status"`
	PlaybackURL string    `json:"playbackUrl,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Notifier delivers lifecycle notifications.
type Notifier interface {
	Notify(ctx context.Context, ev Lifecycle) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Lifecycle) error { return nil }

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Lifecycle) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifier chain from cfg. The returned close function
// releases backend connections.
func New(cfg *config.Config, log *slog.Logger) (Notifier, func() error) {
	var (
		chain  Multi
		closer []func() error
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		r := NewRedis(RedisOptions{Addr: addr, Password: cfg.RedisPassword, Stream: cfg.RedisStream})
		chain = append(chain, r)
		closer = append(closer, r.Close)
	}
	if url := strings.TrimSpace(cfg.NotifyWebhookURL); url != "" {
		chain = append(chain, NewWebhook(url, 10*time.Second))
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closer {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	log = logger.Component(log, "notify")
	switch len(chain) {
	case 0:
		log.Info("lifecycle notifications disabled")
		return Nop{}, closeAll
	case 1:
		log.Info("lifecycle notifier configured", slog.Int("backends", 1))
		return chain[0], closeAll
	default:
		log.Info("lifecycle notifier configured", slog.Int("backends", len(chain)))
		return chain, closeAll
	}
}

// Dispatcher delivers notifications in the background so a slow collaborator
// never stalls the caller. Failures are logged.
type Dispatcher struct {
	next    Notifier
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher wraps next. A non-positive timeout means 10 seconds.
func NewDispatcher(next Notifier, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if next == nil {
		next = Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{next: next, timeout: timeout, log: logger.Component(log, "notify")}
}

// Send queues ev for delivery and returns immediately.
func (d *Dispatcher) Send(ev Lifecycle) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.next.Notify(ctx, ev); err != nil {
			d.log.Warn("lifecycle notification failed",
				slog.String("stream_key", ev.StreamKey),
				slog.String("status", string(ev.Status)),
				slog.String("error", err.Error()))
			return
		}
		d.log.Debug("lifecycle notification delivered",
			slog.String("stream_key", ev.StreamKey),
			slog.String("status", string(ev.Status)))
	}()
}

// Wait blocks until every sent notification has settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
