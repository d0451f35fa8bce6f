package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c360studio/convoprobe/engine"
	"github.com/c360studio/convoprobe/expect"
	"github.com/google/uuid"
)

// Process exit codes.
const (
	ExitPassed             = 0
	ExitAssertionFailures  = 1
	ExitInfrastructureFail = 2
)

// Summary holds the headline counts.
type Summary struct {
	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
	Cancelled int `json:"cancelled"`
	NotRun    int `json:"not_run"`
}

// Report is the aggregate result of one run. It is built once and then only read.
type Report struct {
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Summary    Summary                 `json:"summary"`
	Scores     []CategoryScore         `json:"scores"`
	TotalScore float64                 `json:"total_score"`
	MaxScore   float64                 `json:"max_score"`
	ByCategory map[expect.Category]int `json:"failures_by_category"`

	Tally
}

// Option configures Build.
type Option func(*Report)

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) Option {
	return func(r *Report) {
		if id != "" {
			r.RunID = id
		}
	}
}

// WithAgentID records the agent under test.
func WithAgentID(id string) Option {
	return func(r *Report) {
		r.AgentID = id
	}
}

// Build scores a tally with the given weights. Nil weights means DefaultWeights.
func Build(t Tally, weights Weights, opts ...Option) *Report {
	if weights == nil {
		weights = DefaultWeights()
	}
	t = t.normalize()

	r := &Report{
		RunID:      uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Tally:      t,
		ByCategory: t.FailuresByCategory(),
		Summary: Summary{
			Total:     t.Total(),
			Passed:    t.Statuses[engine.StatusPassed],
			Partial:   t.Statuses[engine.StatusPartial],
			Failed:    t.Statuses[engine.StatusFailed],
			Errored:   t.Statuses[engine.StatusErrored],
			Cancelled: t.Statuses[engine.StatusCancelled],
			NotRun:    len(t.NotRun),
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, c := range ScoreCategories {
		n := t.Checks[c]
		s := CategoryScore{
			Category:   c,
			Label:      c.Label(),
			Weight:     weights[c],
			Passed:     n.Passed,
			Applicable: n.Applicable,
			Score:      Score(n, weights[c]),
		}
		r.Scores = append(r.Scores, s)
		r.TotalScore += s.Score
		r.MaxScore += s.Weight
	}
	return r
}

// ExitCode maps the report to the process exit status: anything that could not
// run wins over assertion failures.
func (r *Report) ExitCode() int {
	switch {
	case r.Summary.Errored > 0, r.Summary.Cancelled > 0, r.Summary.NotRun > 0, len(r.Faults) > 0:
		return ExitInfrastructureFail
	case r.Summary.Failed > 0, r.Summary.Partial > 0:
		return ExitAssertionFailures
	default:
		return ExitPassed
	}
}

// Passed returns true when every scenario ran and passed.
func (r *Report) Passed() bool {
	return r.ExitCode() == ExitPassed && r.Summary.Total > 0
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

const (
	heavyRule = "═══════════════════════════════════════════════════════════════"
	maxDetail = 80
)

// WriteText writes a plain-text summary.
func WriteText(w io.Writer, r *Report) error {
	var b strings.Builder

	b.WriteString("\n" + heavyRule + "\n")
	b.WriteString("                          SUMMARY\n")
	b.WriteString(heavyRule + "\n")

	for _, s := range r.Scenarios {
		fmt.Fprintf(&b, "  %s  %s (%d/%d turns, %dms)\n", statusMark(s.Status), s.Name, s.PassedTurns, s.TotalTurns, s.DurationMs)
		if s.Infra != nil {
			fmt.Fprintf(&b, "           could not run: %s\n", truncate(s.Infra.Kind+": "+s.Infra.Message))
		}
	}
	for _, name := range r.NotRun {
		fmt.Fprintf(&b, "  - NOT RUN  %s\n", name)
	}

	if len(r.Failures) > 0 {
		b.WriteString("\nFailed turns:\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "  %s turn %d [%s]\n", f.Scenario, f.TurnIndex+1, f.Category)
			fmt.Fprintf(&b, "      user:     %s\n", truncate(f.Utterance))
			fmt.Fprintf(&b, "      expected: %s\n", truncate(f.Expected))
			fmt.Fprintf(&b, "      actual:   %s\n", truncate(f.Actual))
		}
	}

	if len(r.Faults) > 0 {
		b.WriteString("\nPartition faults:\n")
		for _, f := range r.Faults {
			fmt.Fprintf(&b, "  worker %d: %s\n", f.WorkerID, truncate(f.Reason))
		}
	}

	b.WriteString("\nScores:\n")
	for _, s := range r.Scores {
		fmt.Fprintf(&b, "  %-22s %5.1f / %4.1f  (%d/%d checks)\n", s.Label, s.Score, s.Weight, s.Passed, s.Applicable)
	}

	b.WriteString(strings.Repeat("─", 65) + "\n")
	fmt.Fprintf(&b, "  Total: %d | Passed: %d | Partial: %d | Failed: %d | Errored: %d | Not run: %d\n",
		r.Summary.Total, r.Summary.Passed, r.Summary.Partial, r.Summary.Failed, r.Summary.Errored, r.Summary.NotRun+r.Summary.Cancelled)
	fmt.Fprintf(&b, "  Score: %.1f / %.1f\n", r.TotalScore, r.MaxScore)
	b.WriteString(heavyRule + "\n")

	switch r.ExitCode() {
	case ExitInfrastructureFail:
		b.WriteString("\nSome scenarios could not run. Check credentials and connectivity.\n")
	case ExitAssertionFailures:
		b.WriteString("\nSome scenarios failed. Run with --json for detailed output.\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func statusMark(s engine.Status) string {
	switch s {
	case engine.StatusPassed:
		return "✓ PASSED "
	case engine.StatusPartial:
		return "◐ PARTIAL"
	case engine.StatusErrored:
		return "! ERRORED"
	case engine.StatusCancelled:
		return "- CANCEL "
	default:
		return "✗ FAILED "
	}
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxDetail {
		return string(r[:maxDetail-3]) + "..."
	}
	return s
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}
