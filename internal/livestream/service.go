package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hls-livestream/internal/hls"
	"hls-livestream/internal/notify"
	"hls-livestream/internal/platform/logger"
	"hls-livestream/internal/platform/metrics"
	"hls-livestream/internal/session"
	"hls-livestream/internal/transcoder"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrTranscoder is returned when a transcoder cannot be launched.
	ErrTranscoder = errors.New("transcoder unavailable")

	// ErrStorage is returned when the segment directory cannot be created.
	// The broadcast is aborted.
	ErrStorage = errors.New("segment storage unavailable")
)

// Publisher uploads stream artifacts to remote storage.
type Publisher interface {
	Enabled() bool
	Sync(ctx context.Context, key string) (int, error)
	Finalize(ctx context.Context, key string) error
	Begin(key, broadcast string)
	Forget(key string)
}

// Notifier receives lifecycle notifications without blocking.
type Notifier interface {
	Send(ev notify.Lifecycle)
}

// Options tunes the service's timers and policies.
type Options struct {
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	EvictionGrace     time.Duration
	SyncInterval      time.Duration
	// StopTimeout bounds stopping the transcoder of one broadcast.
	StopTimeout time.Duration
	// FinalizeTimeout bounds the final artifact upload of one broadcast.
	FinalizeTimeout time.Duration
	// DrainTimeout bounds how long a start waits for the previous broadcast
	// of the same key to finish its teardown.
	DrainTimeout time.Duration
	RetainForVOD bool
	PlaybackURL  func(key string) string
}

// Service coordinates broadcasts: it owns the session registry, launches and
// stops transcoders, and tells connections what happened.
type Service struct {
	opts      Options
	registry  *session.Registry
	store     *hls.Store
	launcher  Launcher
	publisher Publisher
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *slog.Logger

	sinkMu sync.RWMutex
	sink   EventSink

	wg sync.WaitGroup
}

// NewService returns a Service. publisher, notifier and m may be nil.
func NewService(opts Options, registry *session.Registry, store *hls.Store, launcher Launcher, publisher Publisher, notifier Notifier, m *metrics.Metrics, log *slog.Logger) *Service {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.IdleCheckInterval <= 0 {
		opts.IdleCheckInterval = 5 * time.Second
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = 2 * time.Minute
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 4 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 30 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = opts.StopTimeout
	}
	if opts.PlaybackURL == nil {
		opts.PlaybackURL = func(key string) string { return "/livestream/" + key + "/stream.m3u8" }
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		opts:      opts,
		registry:  registry,
		store:     store,
		launcher:  launcher,
		publisher: publisher,
		notifier:  notifier,
		metrics:   m,
		log:       logger.Component(log, "livestream"),
		sink:      nopSink{},
	}
}

// SetEventSink sets where outbound messages go.
func (s *Service) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = nopSink{}
	}
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// Registry returns the session registry.
func (s *Service) Registry() *session.Registry { return s.registry }

// PlaybackURL returns the manifest URL for key.
func (s *Service) PlaybackURL(key string) string { return s.opts.PlaybackURL(key) }

func (s *Service) deliver(connID string, msg Outbound) {
	if connID == "" {
		return
	}
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	sink.Deliver(connID, msg)
}

func (s *Service) toViewers(snap session.Session, msg Outbound) {
	for id := range snap.Viewers {
		s.deliver(id, msg)
	}
}

func (s *Service) viewerCount(snap session.Session) {
	count := snap.ViewerCount()
	s.toViewers(snap, Outbound{Type: MsgViewerCountUpdate, StreamKey: snap.StreamKey, Count: &count})
}

// StartStream makes connID the broadcaster of key and launches its transcoder.
// It returns session.ErrConflict when key is already broadcasting and
// session.ErrDraining when the previous broadcast of key is still being torn
// down after DrainTimeout.
func (s *Service) StartStream(ctx context.Context, connID, key, userID string) error {
	if err := hls.ValidateKey(key); err != nil {
		return err
	}
	if cur, ok := s.registry.Get(key); ok {
		if cur.State == session.Broadcasting {
			return session.ErrConflict
		}
		if err := s.awaitDrain(ctx, key, cur.Draining); err != nil {
			return err
		}
	}

	dir, err := s.store.Dir(key)
	if err != nil {
		return err
	}
	h, err := s.launcher.Start(key, dir, func(h session.Handle, err error, requested bool) {
		s.onExit(key, h, err, requested)
	})
	if err != nil {
		s.log.Error("launch transcoder", slog.String("stream_key", key), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrTranscoder, err)
	}

	tr, err := s.registry.Transition(key, session.Event{
		Kind:    session.EventStart,
		ConnID:  connID,
		UserID:  userID,
		Handle:  h,
		Prepare: func(prev session.Session) error { return s.resetDir(key, prev) },
	})
	if err != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.stop(key, h)
		}()
		return err
	}

	s.publisher.Begin(key, hls.BroadcastID(tr.Session.StartedAt))
	s.metrics.IncStreamsStarted()
	url := s.opts.PlaybackURL(key)
	s.log.Info("stream started",
		slog.String("stream_key", key),
		slog.String("connection_id", connID),
		slog.String("user_id", userID),
		slog.Int("pid", h.PID()))

	started := Outbound{Type: MsgStreamStarted, StreamKey: key, PlaybackURL: url}
	s.deliver(connID, started)
	s.toViewers(tr.Session, started)
	s.notifier.Send(notify.Lifecycle{StreamKey: key, UserID: userID, Status: notify.StatusLive, PlaybackURL: url})

	// the process may have died before it was attached, when its exit report was stale
	select {
	case <-h.Done():
		s.onExit(key, h, h.Err(), false)
	default:
	}
	return nil
}

func (s *Service) awaitDrain(ctx context.Context, key string, draining <-chan struct{}) error {
	if draining == nil {
		return nil
	}
	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-draining:
		return nil
	case <-timer.C:
		s.log.Warn("previous broadcast still shutting down", slog.String("stream_key", key))
		return session.ErrDraining
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resetDir clears what an earlier broadcast left in the stream directory so
// the new one starts without a stale manifest or segments. With RetainForVOD
// the old files are moved into a per-broadcast subdirectory instead.
func (s *Service) resetDir(key string, prev session.Session) error {
	if s.opts.RetainForVOD {
		name, err := s.store.Archive(key, prev.StartedAt)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if name != "" {
			s.log.Info("previous broadcast archived", slog.String("stream_key", key), slog.String("archive", name))
		}
		return nil
	}
	if err := s.store.Purge(key); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// WriteChunk forwards a media chunk from connID to the transcoder of key.
// Chunks that arrive outside a broadcast or from another connection are
// dropped and nil is returned.
func (s *Service) WriteChunk(ctx context.Context, connID, key string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	h, first, err := s.registry.Touch(key, connID, len(chunk))
	if err != nil {
		s.metrics.IncChunksDropped()
		s.log.Debug("dropping chunk",
			slog.String("stream_key", key),
			slog.String("connection_id", connID),
			slog.String("reason", err.Error()))
		return nil
	}

	if first {
		if _, err := s.store.Ensure(key); err != nil {
			s.abort(key, h, err)
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	if err := h.Write(chunk); err != nil {
		s.metrics.IncChunksDropped()
		level := slog.LevelWarn
		if errors.Is(err, transcoder.ErrStopping) || errors.Is(err, transcoder.ErrExited) {
			level = slog.LevelDebug
		}
		s.log.Log(ctx, level, "chunk not delivered",
			slog.String("stream_key", key),
			slog.String("error", err.Error()))
		return nil
	}
	s.metrics.ObserveChunk(len(chunk))
	return nil
}

// EndStream ends the broadcast of key. Ending a stream that is not
// broadcasting is a no-op. Only the broadcaster may end a live stream.
func (s *Service) EndStream(ctx context.Context, connID, key string) error {
	err := s.end(key, session.Event{ConnID: connID}, "end-stream")
	if errors.Is(err, session.ErrNotBroadcasting) || errors.Is(err, session.ErrNotFound) {
		return nil
	}
	return err
}

// Join adds connID as a viewer of key.
func (s *Service) Join(ctx context.Context, connID, key string) error {
	if err := hls.ValidateKey(key); err != nil {
		return err
	}
	snap := s.registry.AddViewer(key, connID)
	s.metrics.IncViewerJoins()
	if snap.State == session.Broadcasting {
		s.deliver(connID, Outbound{Type: MsgPlaybackURL, StreamKey: key, PlaybackURL: s.opts.PlaybackURL(key)})
	}
	s.viewerCount(snap)
	return nil
}

// Leave removes connID from the viewers of key.
func (s *Service) Leave(ctx context.Context, connID, key string) error {
	snap, removed, err := s.registry.RemoveViewer(key, connID)
	if errors.Is(err, session.ErrNotFound) || !removed {
		return nil
	}
	if err != nil {
		return err
	}
	s.viewerCount(snap)
	return nil
}

// Disconnect cleans up after a connection closes: a broadcaster's stream is
// ended and a viewer is removed.
func (s *Service) Disconnect(connID, key string) {
	if key == "" {
		return
	}
	err := s.end(key, session.Event{ConnID: connID}, "disconnect")
	if err != nil && !errors.Is(err, session.ErrNotBroadcasting) &&
		!errors.Is(err, session.ErrNotBroadcaster) && !errors.Is(err, session.ErrNotFound) {
		s.log.Warn("end stream on disconnect", slog.String("stream_key", key), slog.String("error", err.Error()))
	}
	_ = s.Leave(context.Background(), connID, key)
}

// end is the single teardown path for end-stream, disconnect, idle timeout
// and shutdown. An empty ev.ConnID skips the broadcaster check.
func (s *Service) end(key string, ev session.Event, reason string) error {
	drained := make(chan struct{})
	ev.Kind = session.EventEnd
	ev.Drain = drained
	tr, err := s.registry.Transition(key, ev)
	if err != nil {
		return err
	}
	s.log.Info("stream ended", slog.String("stream_key", key), slog.String("reason", reason))
	s.finish(key, tr, reason, false, drained)
	return nil
}

func (s *Service) abort(key string, h session.Handle, cause error) {
	drained := make(chan struct{})
	tr, err := s.registry.Transition(key, session.Event{Kind: session.EventAbort, Handle: h, Err: cause, Drain: drained})
	if err != nil {
		return
	}
	s.log.Error("segment directory unavailable, aborting stream",
		slog.String("stream_key", key),
		slog.String("error", cause.Error()))
	s.finish(key, tr, "storage", true, drained)
}

func (s *Service) onExit(key string, h session.Handle, err error, requested bool) {
	if requested {
		return
	}
	kind, reason := session.EventTranscoderExit, "transcoder-exit"
	if err != nil {
		kind, reason = session.EventTranscoderCrash, "transcoder-crash"
	}
	drained := make(chan struct{})
	tr, terr := s.registry.Transition(key, session.Event{Kind: kind, Handle: h, Err: err, Drain: drained})
	if terr != nil {
		return
	}
	if err != nil {
		s.metrics.IncTranscoderCrashes()
		s.log.Error("transcoder crashed", slog.String("stream_key", key), slog.String("error", err.Error()))
		s.deliver(tr.Broadcaster, Outbound{Type: MsgStreamError, StreamKey: key, Error: "transcoder failed: " + err.Error()})
	} else {
		s.log.Info("transcoder exited", slog.String("stream_key", key))
	}
	s.finish(key, tr, reason, err != nil, drained)
}

// finish announces a transition out of Broadcasting and tears down the
// detached process and artifacts in the background. drained is closed once
// the teardown is over; until then the key cannot broadcast again.
func (s *Service) finish(key string, tr session.Transition, reason string, failed bool, drained chan struct{}) {
	s.metrics.IncStreamsEnded(reason)

	ended := Outbound{Type: MsgStreamEnded, StreamKey: key}
	if !failed {
		s.deliver(tr.Broadcaster, ended)
	}
	s.toViewers(tr.Session, ended)

	status := notify.StatusEnded
	if tr.To == session.Errored || failed {
		status = notify.StatusErrored
	}
	s.notifier.Send(notify.Lifecycle{StreamKey: key, UserID: tr.Session.BroadcasterUserID, Status: status})

	h := tr.Detached
	crashed := tr.To == session.Errored
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(drained)
		if h != nil {
			s.stop(key, h)
		}
		if crashed {
			if err := s.store.Seal(key); err != nil {
				s.log.Warn("seal manifest", slog.String("stream_key", key), slog.String("error", err.Error()))
			}
		}
		if tr.To == session.Idle {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeTimeout)
		defer cancel()
		if err := s.publisher.Finalize(ctx, key); err != nil {
			s.log.Warn("finalize artifacts", slog.String("stream_key", key), slog.String("error", err.Error()))
		}
	}()
}

func (s *Service) stop(key string, h session.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		s.log.Warn("stop transcoder", slog.String("stream_key", key), slog.String("error", err.Error()))
	}
}

// ActiveStream is one broadcasting session in the active list.
type ActiveStream struct {
	StreamKey   string    `json:"streamKey"`
	UserID      string    `json:"userId,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	LastDataAt  time.Time `json:"lastDataAt"`
	Viewers     int       `json:"viewers"`
	PlaybackURL string    `json:"playbackUrl"`
}

// ActiveStreams lists broadcasting sessions ordered by key.
func (s *Service) ActiveStreams() []ActiveStream {
	live := s.registry.List(func(sess *session.Session) bool { return sess.State == session.Broadcasting })
	out := make([]ActiveStream, 0, len(live))
	for _, sess := range live {
		out = append(out, ActiveStream{
			StreamKey:   sess.StreamKey,
			UserID:      sess.BroadcasterUserID,
			StartedAt:   sess.StartedAt,
			LastDataAt:  sess.LastDataAt,
			Viewers:     sess.ViewerCount(),
			PlaybackURL: s.opts.PlaybackURL(sess.StreamKey),
		})
	}
	return out
}

// Run drives the idle check, eviction and artifact sync loops until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, s.opts.IdleCheckInterval, func(now time.Time) {
			s.CheckIdle(now)
			s.Evict(now)
		})
	})
	if s.publisher.Enabled() {
		g.Go(func() error {
			return every(ctx, s.opts.SyncInterval, func(time.Time) { s.SyncArtifacts(ctx) })
		})
	}
	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func(now time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// CheckIdle ends broadcasts that have not sent data within the idle timeout.
func (s *Service) CheckIdle(now time.Time) {
	for _, sess := range s.registry.Idle(now, s.opts.IdleTimeout) {
		err := s.end(sess.StreamKey, session.Event{IdleAt: now, IdleFor: s.opts.IdleTimeout}, "idle")
		switch {
		case err == nil:
			s.log.Info("idle stream stopped",
				slog.String("stream_key", sess.StreamKey),
				slog.Duration("silent_for", now.Sub(sess.LastDataAt)))
		case errors.Is(err, session.ErrNotBroadcasting), errors.Is(err, session.ErrNotIdle):
		default:
			s.log.Warn("idle stop", slog.String("stream_key", sess.StreamKey), slog.String("error", err.Error()))
		}
	}
}

// Evict removes sessions that have been vacant past the grace period and
// purges their directories unless output is retained.
func (s *Service) Evict(now time.Time) {
	for _, sess := range s.registry.Sweep(now, s.opts.EvictionGrace) {
		s.publisher.Forget(sess.StreamKey)
		if !s.opts.RetainForVOD {
			if err := s.store.Purge(sess.StreamKey); err != nil {
				s.log.Warn("purge stream directory", slog.String("stream_key", sess.StreamKey), slog.String("error", err.Error()))
			}
		}
		s.log.Info("session evicted",
			slog.String("stream_key", sess.StreamKey),
			slog.String("state", sess.State.String()),
			slog.Bool("retained", s.opts.RetainForVOD))
	}
}

// SyncArtifacts uploads pending artifacts of every broadcasting stream.
func (s *Service) SyncArtifacts(ctx context.Context) {
	for _, sess := range s.registry.List(func(sess *session.Session) bool { return sess.State == session.Broadcasting }) {
		n, err := s.publisher.Sync(ctx, sess.StreamKey)
		if err != nil {
			s.log.Warn("artifact sync", slog.String("stream_key", sess.StreamKey), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			s.log.Debug("artifacts synced", slog.String("stream_key", sess.StreamKey), slog.Int("files", n))
		}
	}
}

// Shutdown ends every broadcast and waits for background teardown to finish
// or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, sess := range s.registry.List(func(sess *session.Session) bool { return sess.State == session.Broadcasting }) {
		if err := s.end(sess.StreamKey, session.Event{}, "shutdown"); err != nil && !errors.Is(err, session.ErrNotBroadcasting) {
			s.log.Warn("shutdown stop", slog.String("stream_key", sess.StreamKey), slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until background teardown work has finished.
func (s *Service) Wait() { s.wg.Wait() }

type nopPublisher struct{}

func (nopPublisher) Enabled() bool                             { return false }
func (nopPublisher) Sync(context.Context, string) (int, error) { return 0, nil }
func (nopPublisher) Finalize(context.Context, string) error    { return nil }
func (nopPublisher) Begin(string, string)                      {}
func (nopPublisher) Forget(string)                             {}

type nopNotifier struct{}

func (nopNotifier) Send(notify.Lifecycle) {}
