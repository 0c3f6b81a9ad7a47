package livestream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"hls-livestream/internal/hls"
	"hls-livestream/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the livestream HTTP endpoints using go-chi.
type Handler struct {
	svc      *Service
	reporter *Reporter
	store    *hls.Store
	log      *slog.Logger
	metrics  *metrics.Metrics
	storage  string
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests). storage names the remote storage backend for
// the health report.
func NewHandler(svc *Service, reporter *Reporter, store *hls.Store, log *slog.Logger, m *metrics.Metrics, storage string) *Handler {
	return &Handler{svc: svc, reporter: reporter, store: store, log: log, metrics: m, storage: storage}
}

// Routes mounts the endpoints on r under /livestream.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/livestream", func(r chi.Router) {
		r.Get("/active", h.Active)
		r.Get("/health", h.Health)
		r.Route("/{streamKey}", func(r chi.Router) {
			r.Get("/status", h.GetStatus)
			r.Get("/stream.m3u8", h.GetManifest)
			r.Get("/{segment}", h.GetSegment)
		})
	})
}

func mediaHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetManifest handles GET /livestream/{streamKey}/stream.m3u8.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")

	data, err := h.store.Manifest(key)
	if err != nil {
		switch {
		case errors.Is(err, hls.ErrInvalidKey):
			w.WriteHeader(http.StatusBadRequest)
		case errors.Is(err, hls.ErrNotFound):
			w.WriteHeader(http.StatusNotFound)
		default:
			h.log.Error("read manifest failed", slog.String("stream_key", key), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	mediaHeaders(w)
	w.Header().Set("Content-Type", hls.ManifestContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

// GetSegment handles GET /livestream/{streamKey}/{segment}.ts.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")
	name := chi.URLParam(r, "segment")

	f, fi, err := h.store.OpenSegment(key, name)
	if err != nil {
		switch {
		case errors.Is(err, hls.ErrInvalidKey), errors.Is(err, hls.ErrInvalidName):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, hls.ErrNotFound):
			w.WriteHeader(http.StatusNotFound)
		default:
			h.log.Error("open segment failed", slog.String("stream_key", key), slog.String("segment", name), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	mediaHeaders(w)
	w.Header().Set("Content-Type", hls.SegmentContentType)
	w.Header().Set("Cache-Control", "public, max-age=60")
	// a segment may still be growing; serve the bytes present at open time
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyN(w, f, fi.Size()); err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("segment write interrupted", slog.String("stream_key", key), slog.String("error", err.Error()))
		return
	}
	h.metrics.IncSegmentsServed()
}

// GetStatus handles GET /livestream/{streamKey}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")

	st, err := h.reporter.Status(key)
	if err != nil {
		switch {
		case errors.Is(err, hls.ErrInvalidKey):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read stream status"})
		}
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}

// Active handles GET /livestream/active.
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	streams := h.svc.ActiveStreams()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(streams),
		"streams": streams,
	})
}

type healthReport struct {
	Status       string    `json:"status"`
	Root         string    `json:"root"`
	RootError    string    `json:"rootError,omitempty"`
	Sessions     int       `json:"sessions"`
	Broadcasting int       `json:"broadcasting"`
	Storage      string    `json:"storage"`
	Time         time.Time `json:"time"`
}

// Health handles GET /livestream/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	total, live := h.svc.Registry().Counts()
	report := healthReport{
		Status:       "ok",
		Root:         h.store.Root(),
		Sessions:     total,
		Broadcasting: live,
		Storage:      h.storage,
		Time:         time.Now().UTC(),
	}
	status := http.StatusOK
	if err := h.store.Healthy(); err != nil {
		report.Status = "degraded"
		report.RootError = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
