// Package publish emits run reports and fix-loop iterations to NATS.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/convoprobe/fixloop"
	"github.com/c360studio/convoprobe/report"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the first subject token.
const DefaultSubjectPrefix = "convoprobe"

const flushTimeout = 5 * time.Second

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// Publisher publishes JSON events. It is safe for concurrent use because *nats.Conn is.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSubjectPrefix overrides the subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New wraps an existing connection.
func New(conn Conn, opts ...Option) *Publisher {
	p := &Publisher{conn: conn, prefix: DefaultSubjectPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(url string, opts ...Option) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("convoprobe"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return New(nc, opts...), nil
}

// ReportSubject is where a run's aggregate report goes.
func (p *Publisher) ReportSubject(runID string) string {
	return fmt.Sprintf("%s.run.%s.report", p.prefix, runID)
}

// IterationSubject is where fix-loop iterations go.
func (p *Publisher) IterationSubject(runID string) string {
	return fmt.Sprintf("%s.fixloop.%s.iteration", p.prefix, runID)
}

// PublishReport publishes a finished run report.
func (p *Publisher) PublishReport(ctx context.Context, r *report.Report) error {
	return p.publish(ctx, p.ReportSubject(r.RunID), r.RunID, "report", r)
}

// PublishIteration publishes one fix-loop iteration.
func (p *Publisher) PublishIteration(ctx context.Context, runID string, it fixloop.Iteration) error {
	if runID == "" {
		runID = "unknown"
	}
	return p.publish(ctx, p.IterationSubject(runID), runID, "fixloop.iteration", it)
}

func (p *Publisher) publish(ctx context.Context, subject, runID, kind string, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Convoprobe-Event", kind)
	msg.Header.Set("Convoprobe-Run-Id", runID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("Published event", slog.String("subject", subject), slog.Int("bytes", len(data)))
	return nil
}

// Close flushes pending messages and drains the connection.
func (p *Publisher) Close() error {
	if err := p.conn.FlushTimeout(flushTimeout); err != nil {
		p.logger.Warn("NATS flush failed", slog.String("error", err.Error()))
	}
	return p.conn.Drain()
}
