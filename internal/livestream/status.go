package livestream

import (
	"log/slog"
	"time"

	"hls-livestream/internal/hls"
	"hls-livestream/internal/platform/logger"
	"hls-livestream/internal/session"
)

// Phases summarize registry and directory facts together.
const (
	PhaseOffline    = "offline"
	PhaseConnecting = "connecting"
	PhaseLive       = "live"
	PhaseEnded      = "ended"
	PhaseErrored    = "errored"
	PhaseOrphaned   = "orphaned"
)

// Status is the diagnostic document for one stream key.
type Status struct {
	StreamKey       string         `json:"streamKey"`
	IsActive        bool           `json:"isActive"`
	IsEnded         bool           `json:"isEnded"`
	ManifestExists  bool           `json:"manifestExists"`
	StreamDirExists bool           `json:"streamDirExists"`
	Local           LocalStatus    `json:"local"`
	Files           []hls.FileInfo `json:"files"`
	ManifestContent string         `json:"manifestContent,omitempty"`
	Overall         Overall        `json:"overall"`
}

// LocalStatus holds the registry view; StreamData is null without a session.
type LocalStatus struct {
	StreamData *StreamData `json:"streamData"`
}

// StreamData is the raw session record.
type StreamData struct {
	Status              string     `json:"status"`
	HasFfmpegCommand    bool       `json:"hasFfmpegCommand"`
	HasInputStream      bool       `json:"hasInputStream"`
	BroadcasterSocketID string     `json:"broadcasterSocketId,omitempty"`
	UserID              string     `json:"userId,omitempty"`
	Viewers             int        `json:"viewers"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	LastDataAt          *time.Time `json:"lastDataAt,omitempty"`
	EndedAt             *time.Time `json:"endedAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ChunkCount          int64      `json:"chunkCount"`
	BytesReceived       int64      `json:"bytesReceived"`
}

// Overall is the combined verdict.
type Overall struct {
	IsActive        bool   `json:"isActive"`
	IsEnded         bool   `json:"isEnded"`
	HasManifest     bool   `json:"hasManifest"`
	HasStreamDir    bool   `json:"hasStreamDir"`
	HasVideoContent bool   `json:"hasVideoContent"`
	Orphaned        bool   `json:"orphaned"`
	Phase           string `json:"phase"`
}

// Reporter builds status documents from the registry and the segment store.
type Reporter struct {
	registry *session.Registry
	store    *hls.Store
	log      *slog.Logger
}

// NewReporter returns a Reporter.
func NewReporter(registry *session.Registry, store *hls.Store, log *slog.Logger) *Reporter {
	return &Reporter{registry: registry, store: store, log: logger.Component(log, "status")}
}

// Status computes the document for key. Directory facts are read while the
// session lock is held so no transition interleaves with the read.
func (r *Reporter) Status(key string) (Status, error) {
	if err := hls.ValidateKey(key); err != nil {
		return Status{}, err
	}

	var (
		st      Status
		readErr error
	)
	r.registry.View(key, func(sess *session.Session) {
		facts, err := r.store.Inspect(key)
		if err != nil {
			readErr = err
			return
		}
		st = build(key, sess, facts)
		if facts.Manifest == hls.Ready {
			if data, err := r.store.Manifest(key); err == nil {
				st.ManifestContent = string(data)
			}
		}
	})
	if readErr != nil {
		r.log.Warn("inspect stream directory", slog.String("stream_key", key), slog.String("error", readErr.Error()))
		return Status{}, readErr
	}
	return st, nil
}

func build(key string, sess *session.Session, facts hls.Facts) Status {
	hasManifest := facts.Manifest == hls.Ready
	hasVideo := facts.NonEmptySegments > 0

	st := Status{
		StreamKey:       key,
		ManifestExists:  facts.Manifest != hls.Missing,
		StreamDirExists: facts.DirExists,
		Files:           facts.Files,
	}
	if st.Files == nil {
		st.Files = []hls.FileInfo{}
	}

	var phase string
	switch {
	case sess == nil && facts.DirExists:
		phase = PhaseOrphaned
		st.IsEnded = facts.Ended
	case sess == nil:
		phase = PhaseOffline
	default:
		st.Local.StreamData = streamData(sess)
		switch sess.State {
		case session.Broadcasting:
			st.IsActive = true
			phase = PhaseConnecting
			if hasManifest && hasVideo {
				phase = PhaseLive
			}
		case session.Ended:
			st.IsEnded = true
			phase = PhaseEnded
		case session.Errored:
			st.IsEnded = true
			phase = PhaseErrored
		default:
			phase = PhaseOffline
		}
	}

	st.Overall = Overall{
		IsActive:        st.IsActive,
		IsEnded:         st.IsEnded,
		HasManifest:     hasManifest,
		HasStreamDir:    facts.DirExists,
		HasVideoContent: hasVideo,
		Orphaned:        phase == PhaseOrphaned,
		Phase:           phase,
	}
	return st
}

func streamData(sess *session.Session) *StreamData {
	d := &StreamData{
		Status:              sess.State.String(),
		HasFfmpegCommand:    sess.Handle != nil,
		HasInputStream:      sess.Handle != nil,
		BroadcasterSocketID: sess.BroadcasterID,
		UserID:              sess.BroadcasterUserID,
		Viewers:             sess.ViewerCount(),
		StartedAt:           timePtr(sess.StartedAt),
		LastDataAt:          timePtr(sess.LastDataAt),
		EndedAt:             timePtr(sess.EndedAt),
		LastError:           sess.LastError,
		ChunkCount:          sess.ChunkCount,
		BytesReceived:       sess.BytesReceived,
	}
	return d
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
