package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Handler_exposes_series(t *testing.T) {
	m := New()
	m.IncStreamsStarted()
	m.IncStreamsEnded("end-stream")
	m.ObserveChunk(512)
	m.ObserveUploadAttempt("retry")

	called := false
	h := m.Handler(func() {
		called = true
		m.SetSessions(3, 1)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("expected gauge refresh before scrape")
	}
	body := rec.Body.String()
	for _, want := range []string{
		"livestream_streams_started_total 1",
		`livestream_streams_ended_total{reason="end-stream"} 1`,
		"livestream_ingested_bytes_total 512",
		`livestream_upload_attempts_total{result="retry"} 1`,
		"livestream_sessions 3",
		"livestream_broadcasting_sessions 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}

func TestMetrics_nil_receiver(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncStreamsEnded("idle")
	m.ObserveChunk(10)
	m.SetSessions(1, 1)
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "livestream_requests_total 1") || !strings.Contains(body, "livestream_errors_total 1") {
		t.Errorf("unexpected scrape output: %s", body)
	}
}
