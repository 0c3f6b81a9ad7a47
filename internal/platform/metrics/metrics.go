package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the livestream service.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	streamsStartedTotal  prometheus.Counter
	streamsEndedTotal    *prometheus.CounterVec
	transcoderCrashes    prometheus.Counter
	chunksForwarded      prometheus.Counter
	chunksDropped        prometheus.Counter
	bytesIngested        prometheus.Counter
	viewerJoinsTotal     prometheus.Counter
	uploadAttemptsTotal  *prometheus.CounterVec
	segmentsServedTotal  prometheus.Counter
	activeSessions       prometheus.Gauge
	broadcastingSessions prometheus.Gauge
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		streamsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_streams_started_total",
			Help: "Total number of accepted start-stream requests",
		}),
		streamsEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_streams_ended_total",
			Help: "Total number of broadcasts that left the broadcasting state, by reason",
		}, []string{"reason"}),
		transcoderCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_transcoder_crashes_total",
			Help: "Total number of transcoder processes that exited without being asked to",
		}),
		chunksForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_chunks_forwarded_total",
			Help: "Media chunks written to a transcoder",
		}),
		chunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_chunks_dropped_total",
			Help: "Media chunks dropped because the session was not broadcasting",
		}),
		bytesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_ingested_bytes_total",
			Help: "Media bytes written to transcoders",
		}),
		viewerJoinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_viewer_joins_total",
			Help: "Total number of join-stream requests",
		}),
		uploadAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_upload_attempts_total",
			Help: "Artifact upload attempts by result (ok, retry, failed)",
		}, []string{"result"}),
		segmentsServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_segments_served_total",
			Help: "HLS segment files served over HTTP",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livestream_sessions",
			Help: "Number of sessions held by the registry",
		}),
		broadcastingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livestream_broadcasting_sessions",
			Help: "Number of sessions currently broadcasting",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.streamsStartedTotal,
		m.streamsEndedTotal,
		m.transcoderCrashes,
		m.chunksForwarded,
		m.chunksDropped,
		m.bytesIngested,
		m.viewerJoinsTotal,
		m.uploadAttemptsTotal,
		m.segmentsServedTotal,
		m.activeSessions,
		m.broadcastingSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncStreamsStarted increments the started broadcasts counter.
func (m *Metrics) IncStreamsStarted() {
	if m == nil {
		return
	}
	m.streamsStartedTotal.Inc()
}

// IncStreamsEnded increments the ended broadcasts counter for reason.
func (m *Metrics) IncStreamsEnded(reason string) {
	if m == nil {
		return
	}
	m.streamsEndedTotal.WithLabelValues(reason).Inc()
}

// IncTranscoderCrashes increments the crash counter.
func (m *Metrics) IncTranscoderCrashes() {
	if m == nil {
		return
	}
	m.transcoderCrashes.Inc()
}

// ObserveChunk records one forwarded chunk of n bytes.
func (m *Metrics) ObserveChunk(n int) {
	if m == nil {
		return
	}
	m.chunksForwarded.Inc()
	m.bytesIngested.Add(float64(n))
}

// IncChunksDropped increments the dropped chunk counter.
func (m *Metrics) IncChunksDropped() {
	if m == nil {
		return
	}
	m.chunksDropped.Inc()
}

// IncViewerJoins increments the viewer join counter.
func (m *Metrics) IncViewerJoins() {
	if m == nil {
		return
	}
	m.viewerJoinsTotal.Inc()
}

// ObserveUploadAttempt records an upload attempt result.
func (m *Metrics) ObserveUploadAttempt(result string) {
	if m == nil {
		return
	}
	m.uploadAttemptsTotal.WithLabelValues(result).Inc()
}

// IncSegmentsServed increments the served segment counter.
func (m *Metrics) IncSegmentsServed() {
	if m == nil {
		return
	}
	m.segmentsServedTotal.Inc()
}

// SetSessions sets the session gauges.
func (m *Metrics) SetSessions(total, broadcasting int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(total))
	m.broadcastingSessions.Set(float64(broadcasting))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
