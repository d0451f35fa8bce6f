// Package metrics exposes Prometheus collectors for test runs. A nil
// *Collectors is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convoprobe"

// Collectors groups every metric the harness records.
type Collectors struct {
	scenarios      *prometheus.CounterVec
	turns          *prometheus.CounterVec
	failures       *prometheus.CounterVec
	infraErrors    *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	activeSessions prometheus.Gauge
	fixLoop        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Scenarios executed, by final status.",
		}, []string{"status"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns evaluated, by result.",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Failed turns, by failure category.",
		}, []string{"category"}),
		infraErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "infrastructure_errors_total",
			Help:      "Scenarios aborted by infrastructure errors, by kind.",
		}, []string{"kind"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Round-trip time of a single turn.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently open against the agent service.",
		}),
		fixLoop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fix_loop_iterations_total",
			Help:      "Fix-loop iterations, by resulting state.",
		}, []string{"state"}),
	}

	reg.MustRegister(c.scenarios, c.turns, c.failures, c.infraErrors, c.turnDuration, c.activeSessions, c.fixLoop)
	return c
}

// SessionOpened increments the active session gauge.
func (c *Collectors) SessionOpened() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collectors) SessionClosed() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

// TurnFinished records one evaluated turn. category is empty for passed turns.
func (c *Collectors) TurnFinished(passed bool, category string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.turnDuration.Observe(elapsed.Seconds())
	if passed {
		c.turns.WithLabelValues("passed").Inc()
		return
	}
	c.turns.WithLabelValues("failed").Inc()
	c.failures.WithLabelValues(category).Inc()
}

// ScenarioFinished records a scenario's final status.
func (c *Collectors) ScenarioFinished(status string) {
	if c == nil {
		return
	}
	c.scenarios.WithLabelValues(status).Inc()
}

// InfraError records an infrastructure abort.
func (c *Collectors) InfraError(kind string) {
	if c == nil {
		return
	}
	c.infraErrors.WithLabelValues(kind).Inc()
}

// FixLoopIteration records one fix-loop attempt outcome.
func (c *Collectors) FixLoopIteration(state string) {
	if c == nil {
		return
	}
	c.fixLoop.WithLabelValues(state).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
