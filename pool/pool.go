// Package pool runs scenario partitions on a small set of isolated workers.
// Workers share nothing but the overflow queue; results are joined after all
// workers finish.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/convoprobe/engine"
	"github.com/c360studio/convoprobe/scenario"
)

// ErrPoolClosed is returned by Enqueue once every worker has exited.
var ErrPoolClosed = errors.New("worker pool is closed")

// DefaultMaxConsecutiveFailures is how many infrastructure failures in a row
// abort a worker's remaining partition.
const DefaultMaxConsecutiveFailures = 3

// ScenarioRunner executes one scenario. *engine.Engine implements it.
type ScenarioRunner interface {
	Run(ctx context.Context, sc scenario.Scenario) *engine.ScenarioResult
}

// RunnerFactory builds the runner owned by one worker.
type RunnerFactory func(workerID int) ScenarioRunner

// PartitionFault reports a worker that gave up on its partition.
type PartitionFault struct {
	WorkerID int      `json:"worker_id"`
	Reason   string   `json:"reason"`
	Skipped  []string `json:"skipped"`
}

func (f *PartitionFault) Error() string {
	return fmt.Sprintf("worker %d aborted: %s (%d scenarios skipped)", f.WorkerID, f.Reason, len(f.Skipped))
}

// WorkerReport is the single report each worker delivers.
type WorkerReport struct {
	WorkerID int                      `json:"worker_id"`
	Results  []*engine.ScenarioResult `json:"results"`
	Fault    *PartitionFault          `json:"fault,omitempty"`
	// NotStarted lists scenarios refused because the run was cancelled.
	NotStarted []string `json:"not_started,omitempty"`
}

// Pool runs partitions in parallel, each partition sequentially.
type Pool struct {
	factory        RunnerFactory
	workers        int
	maxConsecutive int
	logger         *slog.Logger

	mu     sync.Mutex
	queue  []scenario.Scenario
	active int
	closed bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxConsecutiveFailures sets the worker abort threshold.
func WithMaxConsecutiveFailures(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxConsecutive = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a pool with up to workers workers (clamped to MaxWorkers).
func New(factory RunnerFactory, workers int, opts ...Option) *Pool {
	p := &Pool{
		factory:        factory,
		workers:        ClampWorkers(workers),
		maxConsecutive: DefaultMaxConsecutiveFailures,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue adds scenarios to the overflow queue. They go to whichever worker
// finishes its partition first; no extra worker is started.
func (p *Pool) Enqueue(scenarios ...scenario.Scenario) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, scenarios...)
	return nil
}

// Run plans scenarios, executes every partition, and returns one report per
// worker in worker order. With a single partition it runs on the calling goroutine.
func (p *Pool) Run(ctx context.Context, scenarios []scenario.Scenario) []WorkerReport {
	partitions := Plan(scenarios, p.workers)
	if len(partitions) == 0 {
		partitions = [][]scenario.Scenario{nil}
	}

	p.mu.Lock()
	p.active = len(partitions)
	p.closed = false
	p.mu.Unlock()

	p.logger.Info("Starting workers",
		slog.Int("workers", len(partitions)),
		slog.Int("scenarios", len(scenarios)))

	if len(partitions) == 1 {
		return []WorkerReport{p.work(ctx, 1, partitions[0])}
	}

	channels := make([]chan WorkerReport, len(partitions))
	var wg sync.WaitGroup
	for i, part := range partitions {
		channels[i] = make(chan WorkerReport, 1)
		wg.Add(1)
		go func(id int, part []scenario.Scenario, out chan<- WorkerReport) {
			defer wg.Done()
			out <- p.work(ctx, id, part)
		}(i+1, part, channels[i])
	}

	wg.Wait()

	reports := make([]WorkerReport, len(channels))
	for i, ch := range channels {
		reports[i] = <-ch
	}
	return reports
}

// work runs one worker: its partition, then overflow until the queue is empty.
func (p *Pool) work(ctx context.Context, id int, partition []scenario.Scenario) WorkerReport {
	logger := p.logger.With(slog.Int("worker", id))
	runner := p.factory(id)
	report := WorkerReport{WorkerID: id, Results: []*engine.ScenarioResult{}}

	pending := append([]scenario.Scenario(nil), partition...)
	consecutive := 0
	consecutiveConfig := 0

	for {
		if len(pending) == 0 {
			next, ok := p.dequeue()
			if !ok {
				break
			}
			pending = append(pending, next)
		}

		sc := pending[0]
		pending = pending[1:]

		if ctx.Err() != nil {
			report.NotStarted = append(report.NotStarted, sc.Name)
			report.NotStarted = append(report.NotStarted, scenario.Names(pending)...)
			report.NotStarted = append(report.NotStarted, scenario.Names(p.drain())...)
			logger.Warn("Run cancelled, not starting remaining scenarios",
				slog.Int("not_started", len(report.NotStarted)))
			p.exit()
			return report
		}

		res := runner.Run(ctx, sc)
		report.Results = append(report.Results, res)

		if res.Infra == nil {
			consecutive, consecutiveConfig = 0, 0
			continue
		}
		consecutive++
		if res.Infra.Configuration {
			consecutiveConfig++
		} else {
			consecutiveConfig = 0
		}

		if consecutive >= p.maxConsecutive || consecutiveConfig >= 2 {
			report.Fault = &PartitionFault{
				WorkerID: id,
				Reason:   fmt.Sprintf("%d consecutive infrastructure failures, last: %s", consecutive, res.Infra.Message),
				Skipped:  scenario.Names(pending),
			}
			report.Fault.Skipped = append(report.Fault.Skipped, scenario.Names(p.abandon())...)
			logger.Error("Worker aborted", slog.String("reason", report.Fault.Reason), slog.Int("skipped", len(report.Fault.Skipped)))
			return report
		}
	}

	logger.Info("Worker finished", slog.Int("scenarios", len(report.Results)))
	return report
}

// dequeue pops one overflow scenario. When the queue is empty the calling
// worker is counted out, and the last worker out closes the pool.
func (p *Pool) dequeue() (scenario.Scenario, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		sc := p.queue[0]
		p.queue = p.queue[1:]
		return sc, true
	}
	p.exitLocked()
	return scenario.Scenario{}, false
}

// drain empties the overflow queue.
func (p *Pool) drain() []scenario.Scenario {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue
	p.queue = nil
	return q
}

// abandon counts an aborting worker out. When it was the last one, nobody is
// left to run the overflow queue, so the queue is emptied and returned.
func (p *Pool) abandon() []scenario.Scenario {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked()
	if !p.closed {
		return nil
	}
	q := p.queue
	p.queue = nil
	return q
}

func (p *Pool) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked()
}

func (p *Pool) exitLocked() {
	p.active--
	if p.active <= 0 {
		p.closed = true
	}
}
