// Package report merges worker results into one aggregate report and renders it.
package report

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/c360studio/convoprobe/engine"
	"github.com/c360studio/convoprobe/expect"
	"github.com/c360studio/convoprobe/pool"
)

// Failure is one failed turn with its taxonomy tag.
type Failure struct {
	Scenario  string               `json:"scenario"`
	TurnIndex int                  `json:"turn_index"`
	Utterance string               `json:"utterance"`
	Expected  string               `json:"expected"`
	Actual    string               `json:"actual"`
	Category  expect.Category      `json:"category"`
	Checks    []engine.CheckResult `json:"checks"`
}

// ScenarioSummary is the per-scenario line of a report.
type ScenarioSummary struct {
	Name        string               `json:"name"`
	Status      engine.Status        `json:"status"`
	PassedTurns int                  `json:"passed_turns"`
	TotalTurns  int                  `json:"total_turns"`
	SessionID   string               `json:"session_id,omitempty"`
	DurationMs  int64                `json:"duration_ms"`
	Infra       *engine.InfraFailure `json:"infrastructure_failure,omitempty"`
}

// Tally is the mergeable core of a report. Merge is associative and
// commutative, and the zero Tally is its identity, so worker results can be
// combined in any grouping and order.
type Tally struct {
	Statuses  map[engine.Status]int     `json:"statuses"`
	Checks    map[ScoreCategory]Counter `json:"checks"`
	Scenarios []ScenarioSummary         `json:"scenarios"`
	Failures  []Failure                 `json:"failures"`
	Faults    []pool.PartitionFault     `json:"partition_faults"`
	NotRun    []string                  `json:"not_run"`
}

// FromResults tallies scenario results.
func FromResults(results ...*engine.ScenarioResult) Tally {
	t := Tally{}
	for _, r := range results {
		if r != nil {
			t = t.Merge(single(r))
		}
	}
	return t.normalize()
}

// FromWorker tallies one worker report, including its fault and unstarted scenarios.
func FromWorker(wr pool.WorkerReport) Tally {
	t := FromResults(wr.Results...)
	o := Tally{NotRun: wr.NotStarted}
	if wr.Fault != nil {
		o.Faults = []pool.PartitionFault{*wr.Fault}
		o.NotRun = append(append([]string(nil), o.NotRun...), wr.Fault.Skipped...)
	}
	return t.Merge(o)
}

// FromWorkers tallies every worker report.
func FromWorkers(reports []pool.WorkerReport) Tally {
	t := Tally{}
	for _, wr := range reports {
		t = t.Merge(FromWorker(wr))
	}
	return t.normalize()
}

func single(r *engine.ScenarioResult) Tally {
	status := r.Status()
	t := Tally{
		Statuses: map[engine.Status]int{status: 1},
		Checks:   map[ScoreCategory]Counter{},
		Scenarios: []ScenarioSummary{{
			Name:        r.ScenarioName,
			Status:      status,
			PassedTurns: r.PassedTurns,
			TotalTurns:  r.TotalTurns,
			SessionID:   r.SessionID,
			DurationMs:  r.Duration.Milliseconds(),
			Infra:       r.Infra,
		}},
	}

	for _, turn := range r.Turns {
		for _, c := range turn.Checks {
			cat := ScoreCategoryFor(c.Kind, turn.TurnIndex)
			n := Counter{Applicable: 1}
			if c.Passed {
				n.Passed = 1
			}
			t.Checks[cat] = t.Checks[cat].add(n)
		}
		if turn.Passed {
			continue
		}
		failed := turn.FailedChecks()
		expected := make([]string, len(failed))
		for i, c := range failed {
			expected[i] = c.Kind.String() + "=" + formatValue(c.Expected)
		}
		t.Failures = append(t.Failures, Failure{
			Scenario:  r.ScenarioName,
			TurnIndex: turn.TurnIndex,
			Utterance: turn.Utterance,
			Expected:  strings.Join(expected, ", "),
			Actual:    turn.AgentText,
			Category:  turn.FailureCategory,
			Checks:    failed,
		})
	}
	return t
}

// Merge combines two tallies into a new one. Neither input is modified.
func (t Tally) Merge(o Tally) Tally {
	out := Tally{
		Statuses: make(map[engine.Status]int, len(t.Statuses)+len(o.Statuses)),
		Checks:   make(map[ScoreCategory]Counter, len(t.Checks)+len(o.Checks)),
	}
	for _, m := range []map[engine.Status]int{t.Statuses, o.Statuses} {
		for k, v := range m {
			out.Statuses[k] += v
		}
	}
	for _, m := range []map[ScoreCategory]Counter{t.Checks, o.Checks} {
		for k, v := range m {
			out.Checks[k] = out.Checks[k].add(v)
		}
	}
	out.Scenarios = append(slices.Clone(t.Scenarios), o.Scenarios...)
	out.Failures = append(slices.Clone(t.Failures), o.Failures...)
	out.Faults = append(slices.Clone(t.Faults), o.Faults...)
	out.NotRun = append(slices.Clone(t.NotRun), o.NotRun...)
	return out.normalize()
}

// normalize puts collections in canonical order so equal content compares equal.
func (t Tally) normalize() Tally {
	if t.Statuses == nil {
		t.Statuses = map[engine.Status]int{}
	}
	if t.Checks == nil {
		t.Checks = map[ScoreCategory]Counter{}
	}
	maps.DeleteFunc(t.Statuses, func(_ engine.Status, v int) bool { return v == 0 })
	maps.DeleteFunc(t.Checks, func(_ ScoreCategory, v Counter) bool { return v == Counter{} })

	slices.SortStableFunc(t.Scenarios, func(a, b ScenarioSummary) int {
		return cmp.Compare(a.Name, b.Name)
	})
	slices.SortStableFunc(t.Failures, func(a, b Failure) int {
		return cmp.Or(cmp.Compare(a.Scenario, b.Scenario), cmp.Compare(a.TurnIndex, b.TurnIndex))
	})
	slices.SortStableFunc(t.Faults, func(a, b pool.PartitionFault) int {
		return cmp.Or(cmp.Compare(a.WorkerID, b.WorkerID), cmp.Compare(a.Reason, b.Reason))
	})
	slices.Sort(t.NotRun)

	t.Scenarios = nilIfEmpty(t.Scenarios)
	t.Failures = nilIfEmpty(t.Failures)
	t.Faults = nilIfEmpty(t.Faults)
	t.NotRun = nilIfEmpty(t.NotRun)
	return t
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

// Total is the number of scenarios that produced a result.
func (t Tally) Total() int {
	n := 0
	for _, v := range t.Statuses {
		n += v
	}
	return n
}

// FailuresByCategory counts failed turns per taxonomy tag.
func (t Tally) FailuresByCategory() map[expect.Category]int {
	out := make(map[expect.Category]int)
	for _, f := range t.Failures {
		out[f.Category]++
	}
	return out
}

// FailedScenarios returns the names of scenarios that did not pass, in name order.
func (t Tally) FailedScenarios() []string {
	var out []string
	for _, s := range t.Scenarios {
		if s.Status != engine.StatusPassed {
			out = append(out, s.Name)
		}
	}
	return out
}

// HasInfrastructureFailure reports whether anything could not run.
func (t Tally) HasInfrastructureFailure() bool {
	return t.Statuses[engine.StatusErrored] > 0 || len(t.Faults) > 0
}
