package engine

import (
	"time"

	"github.com/c360studio/convoprobe/expect"
	"github.com/c360studio/convoprobe/scenario"
)

// Status is the overall outcome of one scenario.
type Status string

const (
	// StatusPassed means every turn passed.
	StatusPassed Status = "passed"
	// StatusPartial means some but not all turns passed.
	StatusPartial Status = "partial"
	// StatusFailed means no turn passed.
	StatusFailed Status = "failed"
	// StatusErrored means the scenario could not run to completion.
	StatusErrored Status = "errored"
	// StatusCancelled means the run was cancelled before the scenario finished.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// CheckResult is the verdict for one expectation.
type CheckResult struct {
	Kind     scenario.Kind   `json:"kind"`
	Expected any             `json:"expected"`
	Passed   bool            `json:"passed"`
	Actual   string          `json:"actual,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Category expect.Category `json:"category,omitempty"`
}

// TurnResult is the evaluated outcome of one turn. It is not modified after creation.
type TurnResult struct {
	TurnIndex  int      `json:"turn_index"`
	SequenceID int      `json:"sequence_id"`
	Utterance  string   `json:"utterance"`
	AgentText  string   `json:"agent_text"`
	Topic      string   `json:"topic,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Escalated  bool     `json:"escalated,omitempty"`

	Checks []CheckResult `json:"checks"`
	Passed bool          `json:"passed"`
	// FailureCategory is the category of the first failed check.
	FailureCategory expect.Category `json:"failure_category,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
}

// FailedChecks returns the checks that did not pass.
func (t TurnResult) FailedChecks() []CheckResult {
	var out []CheckResult
	for _, c := range t.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// InfraFailure describes why a scenario could not run.
type InfraFailure struct {
	// Kind is a protocol error kind ("auth", "timeout", ...) or "session"/"scenario".
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// TurnIndex is the turn that failed, or -1 when the session never opened.
	TurnIndex int `json:"turn_index"`
	// Configuration is true when retrying cannot help (credentials, unknown agent).
	Configuration bool `json:"configuration,omitempty"`
}

// ScenarioResult is derived entirely from its turns plus an optional infrastructure failure.
type ScenarioResult struct {
	ScenarioName string       `json:"scenario_name"`
	Description  string       `json:"description,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	Turns        []TurnResult `json:"turns"`
	PassedTurns  int          `json:"passed_turns"`
	TotalTurns   int          `json:"total_turns"`

	Infra     *InfraFailure `json:"infrastructure_failure,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// NewScenarioResult creates a result for sc with the planned turn count.
func NewScenarioResult(sc scenario.Scenario) *ScenarioResult {
	return &ScenarioResult{
		ScenarioName: sc.Name,
		Description:  sc.Description,
		Turns:        []TurnResult{},
		TotalTurns:   len(sc.Turns),
		StartTime:    time.Now(),
	}
}

// AddTurn appends a turn result.
func (r *ScenarioResult) AddTurn(t TurnResult) {
	r.Turns = append(r.Turns, t)
	if t.Passed {
		r.PassedTurns++
	}
}

// Complete sets the end time and duration.
func (r *ScenarioResult) Complete() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// Status derives the scenario status.
func (r *ScenarioResult) Status() Status {
	switch {
	case r.Infra != nil:
		return StatusErrored
	case r.Cancelled:
		return StatusCancelled
	case r.PassedTurns == r.TotalTurns:
		return StatusPassed
	case r.PassedTurns == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// FailedTurns returns the turns that did not pass.
func (r *ScenarioResult) FailedTurns() []TurnResult {
	var out []TurnResult
	for _, t := range r.Turns {
		if !t.Passed {
			out = append(out, t)
		}
	}
	return out
}
