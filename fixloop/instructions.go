package fixloop

import (
	"github.com/c360studio/convoprobe/expect"
	"github.com/c360studio/convoprobe/report"
)

var fixes = map[expect.Category]string{
	expect.CategoryTopicReMatching:       "Add transition phrases to the target topic's classification description",
	expect.CategoryContextPreservation:   "Instruct the topic to use context from prior messages before asking again",
	expect.CategoryMultiTurnEscalation:   "Add frustration and hand-off keywords to the escalation triggers",
	expect.CategoryActionChain:           "Verify action output variables are mapped into the next action's inputs",
	expect.CategoryGuardrailNotTriggered: "Add explicit guardrail statements to the system instructions",
	expect.CategoryVariableNotUsed:       "Reference the session variable in topic instructions and action inputs",
	expect.CategoryRecovery:              "Make sure the guardrail response does not end or reset session state",
}

// Instruction is a remediation hint for one failure category.
type Instruction struct {
	Category        expect.Category `json:"category"`
	Fix             string          `json:"fix"`
	ExampleScenario string          `json:"example_scenario"`
	ExampleTurn     int             `json:"example_turn"`
	ExampleCheck    string          `json:"example_check,omitempty"`
}

// FixFor returns the remediation hint for a category.
func FixFor(c expect.Category) string {
	if f, ok := fixes[c]; ok {
		return f
	}
	return "Review the agent configuration"
}

// Instructions returns one instruction per failure category, in taxonomy order,
// each pointing at the first failure that carried it.
func Instructions(failures []report.Failure) []Instruction {
	first := make(map[expect.Category]report.Failure)
	for _, f := range failures {
		if _, seen := first[f.Category]; !seen {
			first[f.Category] = f
		}
	}

	var out []Instruction
	for _, c := range expect.Categories {
		f, ok := first[c]
		if !ok {
			continue
		}
		in := Instruction{
			Category:        c,
			Fix:             FixFor(c),
			ExampleScenario: f.Scenario,
			ExampleTurn:     f.TurnIndex,
		}
		if len(f.Checks) > 0 {
			in.ExampleCheck = f.Checks[0].Kind.String()
		}
		out = append(out, in)
	}
	return out
}
