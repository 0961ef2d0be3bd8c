package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	retrySleeps *prometheus.CounterVec
	installs    *prometheus.CounterVec
	workerRuns  *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		retrySleeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootstrap_retry_sleeps_total",
			Help: "Number of back-off sleeps performed by the retry executor",
		}, []string{"operation"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootstrap_installs_total",
			Help: "Worker install attempts by result",
		}, []string{"result"}),
		workerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootstrap_worker_runs_total",
			Help: "Worker executions by outcome",
		}, []string{"outcome"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bootstrap_state",
			Help: "Current supervisor state (1 for the active state)",
		}, []string{"state"}),
	}

	m.registry.MustRegister(m.retrySleeps, m.installs, m.workerRuns, m.state)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RetrySleep records one back-off sleep for the named operation.
func (m *Metrics) RetrySleep(operation string) {
	if m == nil {
		return
	}
	m.retrySleeps.WithLabelValues(operation).Inc()
}

// Install records an install attempt.
func (m *Metrics) Install(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}

// WorkerRun records the outcome of one worker execution.
func (m *Metrics) WorkerRun(outcome string) {
	if m == nil {
		return
	}
	m.workerRuns.WithLabelValues(outcome).Inc()
}

// SetState marks state as the active supervisor state.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.state.WithLabelValues(s).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	if m == nil || addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "error", err)
	}
}
