package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/convoprobe/config"
	"github.com/c360studio/convoprobe/engine"
	"github.com/c360studio/convoprobe/history"
	"github.com/c360studio/convoprobe/metrics"
	"github.com/c360studio/convoprobe/pool"
	"github.com/c360studio/convoprobe/protocol"
	"github.com/c360studio/convoprobe/publish"
	"github.com/c360studio/convoprobe/report"
	"github.com/c360studio/convoprobe/scenario"
)

// History kinds.
const (
	kindRun     = "run"
	kindFixLoop = "fixloop"
)

// App wires the agent client, the worker pool and the optional sinks.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	client  protocol.Client
	vars    []protocol.Variable
	weights report.Weights

	registry  *prometheus.Registry
	metrics   *metrics.Collectors
	publisher *publish.Publisher
	store     *history.Store
}

// NewApp creates an application. A nil client builds the HTTP client from cfg.
func NewApp(cfg *config.Config, logger *slog.Logger, client protocol.Client) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vars, err := protocol.ParseVariables(cfg.Run.Variables)
	if err != nil {
		return nil, fmt.Errorf("parse variables: %w", err)
	}
	weights, err := report.WeightsFrom(cfg.Scoring.Weights)
	if err != nil {
		return nil, fmt.Errorf("scoring weights: %w", err)
	}

	if client == nil {
		client = protocol.NewHTTPClient(cfg.Agent.BaseURL, protocol.StaticToken(cfg.Agent.Token),
			protocol.WithTimeout(cfg.Agent.Timeout),
			protocol.WithRetryConfig(protocol.RetryConfig{
				MaxRetries:        cfg.Retry.MaxAttempts,
				BackoffBase:       cfg.Retry.BackoffBase,
				BackoffMultiplier: cfg.Retry.BackoffMultiplier,
				MaxBackoff:        cfg.Retry.MaxBackoff,
			}),
			protocol.WithLogger(logger),
		)
	}

	registry := prometheus.NewRegistry()
	return &App{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		vars:     vars,
		weights:  weights,
		registry: registry,
		metrics:  metrics.New(registry),
	}, nil
}

// Start opens the configured sinks. Each is optional; an empty setting skips it.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.NATS.URL != "" {
		pub, err := publish.Connect(a.cfg.NATS.URL,
			publish.WithSubjectPrefix(a.cfg.NATS.SubjectPrefix),
			publish.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.publisher = pub
		a.logger.Debug("Publishing events", slog.String("url", a.cfg.NATS.URL))
	}

	if a.cfg.History.Path != "" {
		store, err := history.Open(a.cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		a.store = store
	}

	if a.cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Addr, a.registry, a.logger); err != nil {
				a.logger.Error("Metrics listener failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// Shutdown closes the sinks opened by Start.
func (a *App) Shutdown() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Failed to close NATS connection", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close history", slog.String("error", err.Error()))
		}
	}
}

// newRunner builds the engine used by one worker.
func (a *App) newRunner(workerID int) pool.ScenarioRunner {
	return engine.New(a.client, a.cfg.Agent.AgentID,
		engine.WithGlobalVariables(a.vars),
		engine.WithMutableVariables(a.cfg.Run.MutableVariables),
		engine.WithCloseTimeout(a.cfg.Run.CloseTimeout),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.logger.With(slog.Int("worker", workerID))),
	)
}

// RunScenarios executes scenarios on the pool and records the aggregate report.
func (a *App) RunScenarios(ctx context.Context, scenarios []scenario.Scenario, kind string) *report.Report {
	p := pool.New(a.newRunner, a.cfg.Run.Workers,
		pool.WithMaxConsecutiveFailures(a.cfg.Run.MaxConsecutiveInfraFailures),
		pool.WithLogger(a.logger))

	rep := report.Build(report.FromWorkers(p.Run(ctx, scenarios)), a.weights,
		report.WithAgentID(a.cfg.Agent.AgentID))

	a.logger.Info("Run complete",
		slog.String("run_id", rep.RunID),
		slog.Int("total", rep.Summary.Total),
		slog.Int("passed", rep.Summary.Passed),
		slog.Int("exit_code", rep.ExitCode()))

	a.record(context.WithoutCancel(ctx), kind, rep)
	return rep
}

// record publishes and persists a report. Sink failures are logged, never fatal.
func (a *App) record(ctx context.Context, kind string, rep *report.Report) {
	if a.publisher != nil {
		if err := a.publisher.PublishReport(ctx, rep); err != nil {
			a.logger.Warn("Failed to publish report", slog.String("run_id", rep.RunID), slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Save(ctx, kind, rep); err != nil {
			a.logger.Warn("Failed to save run", slog.String("run_id", rep.RunID), slog.String("error", err.Error()))
		}
	}
}
