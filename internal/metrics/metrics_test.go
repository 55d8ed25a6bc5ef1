package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Attempt("cached", false)
	m.Attempt("solve", true)
	m.Transport("ok", 1500*time.Millisecond)
	m.PoolTabs(2, 3)
	m.Fallback("dom")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`askbridge_acquisition_attempts_total{outcome="failure",strategy="cached"} 1`,
		`askbridge_acquisition_attempts_total{outcome="success",strategy="solve"} 1`,
		`askbridge_transport_requests_total{outcome="ok"} 1`,
		`askbridge_pool_tabs{state="active"} 3`,
		`askbridge_browser_fallbacks_total{tier="dom"} 1`,
		`askbridge_transport_request_seconds_count 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Attempt("x", true)
	m.Transport("ok", time.Second)
	m.PoolTabs(1, 1)
	m.Fallback("dom")
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}
