// Package metrics exposes prometheus collectors for session acquisition, the
// HTTP transport, the tab pool and the browser fallback. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "askbridge"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	attempts         *prometheus.CounterVec
	transport        *prometheus.CounterVec
	transportLatency prometheus.Histogram
	poolTabs         *prometheus.GaugeVec
	fallbacks        *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_attempts_total",
			Help:      "Session acquisition attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		transport: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_requests_total",
			Help:      "Ask requests sent over HTTP by outcome.",
		}, []string{"outcome"}),
		transportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_request_seconds",
			Help:      "Wall time of one HTTP ask including stream read.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		poolTabs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_tabs",
			Help:      "Browser tabs in the pool by state.",
		}, []string{"state"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_fallbacks_total",
			Help:      "Browser extraction results by export tier.",
		}, []string{"tier"}),
	}
	m.registry.MustRegister(m.attempts, m.transport, m.transportLatency, m.poolTabs, m.fallbacks)
	return m
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Attempt(strategy string, ok bool) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(strategy, outcome(ok)).Inc()
}

func (m *Metrics) Transport(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transport.WithLabelValues(result).Inc()
	m.transportLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) PoolTabs(idle, active int) {
	if m == nil {
		return
	}
	m.poolTabs.WithLabelValues("idle").Set(float64(idle))
	m.poolTabs.WithLabelValues("active").Set(float64(active))
}

func (m *Metrics) Fallback(tier string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(tier).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a standalone /metrics listener until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
