package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	"hls-livestream/internal/hls"
	"hls-livestream/internal/objectstore"
	"hls-livestream/internal/platform/logger"
	"hls-livestream/internal/platform/metrics"
	"hls-livestream/internal/upload"

	"golang.org/x/sync/errgroup"
)

// Thumbnailer extracts a still image from a media segment.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, segment, out string) error
}

// Publisher copies a stream's finished segments, its manifest and a thumbnail
// to remote storage through the upload scheduler. Segments are uploaded once
// they appear in the manifest with a non-zero size; the manifest is uploaded
// after them whenever it changed.
type Publisher struct {
	store   *hls.Store
	remote  objectstore.Store
	sched   *upload.Scheduler
	thumbs  Thumbnailer
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	streams map[string]*streamState
}

type streamState struct {
	// broadcast scopes remote keys to one broadcast of the stream key.
	broadcast string

	mu       sync.Mutex
	uploaded map[string]bool
	manifest []byte
}

// NewPublisher returns a Publisher. thumbs and m may be nil.
func NewPublisher(store *hls.Store, remote objectstore.Store, sched *upload.Scheduler, thumbs Thumbnailer, m *metrics.Metrics, log *slog.Logger) *Publisher {
	if remote == nil {
		remote = objectstore.Nop{}
	}
	return &Publisher{
		store:   store,
		remote:  remote,
		sched:   sched,
		thumbs:  thumbs,
		metrics: m,
		log:     logger.Component(log, "artifacts"),
		streams: make(map[string]*streamState),
	}
}

// Enabled reports whether a remote store is configured.
func (p *Publisher) Enabled() bool { return p.remote.Enabled() }

// ObjectKey returns the remote key for a file of one broadcast of a stream.
// An empty broadcast places the file directly under the stream key.
func ObjectKey(streamKey, broadcast, name string) string {
	return path.Join("livestream", streamKey, broadcast, name)
}

func (p *Publisher) state(key string) *streamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[key]
	if !ok {
		st = &streamState{uploaded: make(map[string]bool)}
		p.streams[key] = st
	}
	return st
}

// Begin starts fresh bookkeeping for a new broadcast of key. Its files are
// uploaded under the broadcast's own prefix so earlier broadcasts are kept.
func (p *Publisher) Begin(key, broadcast string) {
	p.mu.Lock()
	p.streams[key] = &streamState{broadcast: broadcast, uploaded: make(map[string]bool)}
	p.mu.Unlock()
}

// Forget drops upload bookkeeping for key so a new broadcast starts clean.
func (p *Publisher) Forget(key string) {
	p.mu.Lock()
	delete(p.streams, key)
	p.mu.Unlock()
}

// Sync uploads pending artifacts for key and returns how many files were
// uploaded. Concurrent calls for the same key are serialized.
func (p *Publisher) Sync(ctx context.Context, key string) (int, error) {
	if !p.remote.Enabled() {
		return 0, nil
	}
	st := p.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return p.syncLocked(ctx, key, st)
}

func (p *Publisher) syncLocked(ctx context.Context, key string, st *streamState) (int, error) {
	facts, err := p.store.Inspect(key)
	if err != nil {
		return 0, err
	}
	if facts.Playlist == nil {
		return 0, nil
	}
	manifest, err := p.store.Manifest(key)
	if err != nil {
		return 0, nil
	}

	type pendingFile struct {
		name string
		data []byte
	}
	var pending []pendingFile
	for _, seg := range facts.Playlist.Segments {
		name := filepath.Base(seg.Path)
		if st.uploaded[name] {
			continue
		}
		data, err := p.store.ReadFile(key, name)
		if err != nil || len(data) == 0 {
			continue
		}
		pending = append(pending, pendingFile{name: name, data: data})
	}

	var (
		g       errgroup.Group
		countMu sync.Mutex
		count   int
	)
	for _, f := range pending {
		g.Go(func() error {
			if err := p.put(ctx, key, st.broadcast, f.name, f.data, hls.SegmentContentType); err != nil {
				return err
			}
			countMu.Lock()
			st.uploaded[f.name] = true
			count++
			countMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return count, err
	}

	if !bytes.Equal(manifest, st.manifest) {
		if err := p.put(ctx, key, st.broadcast, hls.ManifestName, manifest, hls.ManifestContentType); err != nil {
			return count, err
		}
		st.manifest = manifest
		count++
	}
	return count, nil
}

// Finalize runs a last sync after the transcoder has exited and uploads a
// thumbnail taken from the newest segment.
func (p *Publisher) Finalize(ctx context.Context, key string) error {
	if !p.remote.Enabled() {
		return nil
	}
	st := p.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	n, err := p.syncLocked(ctx, key, st)
	if err != nil {
		return fmt.Errorf("final sync: %w", err)
	}
	p.log.Info("stream artifacts published", slog.String("stream_key", key), slog.Int("files", n))

	if p.thumbs == nil {
		return nil
	}
	return p.thumbnail(ctx, key, st.broadcast)
}

func (p *Publisher) thumbnail(ctx context.Context, key, broadcast string) error {
	facts, err := p.store.Inspect(key)
	if err != nil || facts.Playlist == nil || len(facts.Playlist.Segments) == 0 {
		return err
	}
	dir, err := p.store.Dir(key)
	if err != nil {
		return err
	}

	segs := facts.Playlist.Segments
	latest := filepath.Join(dir, filepath.Base(segs[len(segs)-1].Path))
	out := filepath.Join(dir, hls.ThumbnailName)
	if err := p.thumbs.Thumbnail(ctx, latest, out); err != nil {
		return err
	}
	data, err := p.store.ReadFile(key, hls.ThumbnailName)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("thumbnail is empty")
	}
	return p.put(ctx, key, broadcast, hls.ThumbnailName, data, hls.ThumbnailContentType)
}

func (p *Publisher) put(ctx context.Context, key, broadcast, name string, data []byte, contentType string) error {
	objectKey := ObjectKey(key, broadcast, name)
	err := p.sched.Do(ctx, func(ctx context.Context) error {
		return p.remote.Put(ctx, objectKey, data, contentType)
	})
	if err != nil {
		p.metrics.ObserveUploadAttempt("failed")
		p.log.Warn("artifact upload failed",
			slog.String("stream_key", key),
			slog.String("object", objectKey),
			slog.String("error", err.Error()))
		return err
	}
	p.metrics.ObserveUploadAttempt("ok")
	p.log.Debug("artifact uploaded", slog.String("stream_key", key), slog.String("object", objectKey))
	return nil
}
