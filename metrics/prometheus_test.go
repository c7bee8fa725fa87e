package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, p *Prometheus) string {
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("scrape failed: %d", w.Code)
	}

	body, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatal(err)
	}

	return string(body)
}

func TestPrometheusCollects(t *testing.T) {
	p := NewPrometheus(Options{})

	start := time.Now().Add(-10 * time.Millisecond)
	p.MeasureRouteLookup(start)
	p.MeasureBackend("api", start)
	p.MeasureResponse(200, "GET", "api", start)
	p.IncRoutingFailures()
	p.IncErrorsBackend("api")
	p.IncErrorsStreaming("api")
	p.UpdateActiveSessions(3)
	p.IncSessionsCreated()
	p.IncSessionsExpired(2)

	body := scrape(t, p)
	for _, metric := range []string{
		"dinghy_route_lookup_duration_seconds",
		"dinghy_route_error_total 1",
		`dinghy_backend_duration_seconds_count{target="api"} 1`,
		`dinghy_backend_error_total{target="api"} 1`,
		`dinghy_backend_streaming_error_total{target="api"} 1`,
		`dinghy_response_duration_seconds_count{code="200",method="GET",target="api"} 1`,
		"dinghy_session_active 3",
		"dinghy_session_created_total 1",
		"dinghy_session_expired_total 2",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %q in scrape output", metric)
		}
	}
}

func TestPrometheusPrefix(t *testing.T) {
	p := NewPrometheus(Options{Prefix: "myproxy."})
	p.IncRoutingFailures()

	body := scrape(t, p)
	if !strings.Contains(body, "myproxy_route_error_total 1") {
		t.Error("expected prefixed metric name")
	}
}

func TestMeasuredMethodBoundsCardinality(t *testing.T) {
	if measuredMethod("GET") != "GET" {
		t.Error("well known method must be kept")
	}

	if measuredMethod("EVIL") != "_unknownmethod_" {
		t.Error("unknown method must be collapsed")
	}
}
