package scenario

import (
	"fmt"
	"strings"
)

// ValidationError lists every problem found in a scenario set.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid scenario: " + e.Problems[0]
	}
	return fmt.Sprintf("%d scenario problems:\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks one scenario.
func (s Scenario) Validate() error {
	problems := s.problems()
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func (s Scenario) problems() []string {
	var problems []string
	label := s.Name
	if label == "" {
		label = "(unnamed)"
		problems = append(problems, "scenario name is required")
	}
	if len(s.Turns) == 0 {
		problems = append(problems, fmt.Sprintf("%s: at least one turn is required", label))
	}
	for _, v := range s.Variables {
		if v.Name == "" {
			problems = append(problems, fmt.Sprintf("%s: session variable without a name", label))
		}
	}

	for i, turn := range s.Turns {
		where := fmt.Sprintf("%s turn %d", label, i+1)
		if strings.TrimSpace(turn.User) == "" {
			problems = append(problems, where+": user utterance is required")
		}
		for _, e := range turn.Expect {
			if p := checkExpectation(e); p != "" {
				problems = append(problems, fmt.Sprintf("%s: %s", where, p))
			}
		}
	}
	return problems
}

func checkExpectation(e Expectation) string {
	if !e.Kind.IsValid() {
		return fmt.Sprintf("unknown expectation %q", e.Kind)
	}
	switch v := e.Value.(type) {
	case bool:
		if !e.Kind.acceptsBool() {
			return fmt.Sprintf("%s expects a string, got %v", e.Kind, v)
		}
	case string:
		if !e.Kind.acceptsString() {
			return fmt.Sprintf("%s expects true or false, got %q", e.Kind, v)
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Sprintf("%s has an empty value", e.Kind)
		}
	default:
		return fmt.Sprintf("%s has unsupported value %v", e.Kind, e.Value)
	}
	return ""
}

// ValidateAll checks every scenario and that names are unique.
func ValidateAll(scenarios []Scenario) error {
	var problems []string
	seen := make(map[string]string)
	for _, s := range scenarios {
		problems = append(problems, s.problems()...)
		if s.Name == "" {
			continue
		}
		if first, dup := seen[s.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate scenario name %q (%s, %s)", s.Name, first, s.Source))
			continue
		}
		seen[s.Name] = s.Source
	}
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}
