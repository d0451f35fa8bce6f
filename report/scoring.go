package report

import (
	"fmt"
	"sort"

	"github.com/c360studio/convoprobe/scenario"
)

// ScoreCategory is a scoring bucket. It is coarser than the failure taxonomy.
type ScoreCategory string

const (
	ScoreTopicSelection      ScoreCategory = "topic_selection"
	ScoreActionInvocation    ScoreCategory = "action_invocation"
	ScoreTopicReMatching     ScoreCategory = "topic_re_matching"
	ScoreContextPreservation ScoreCategory = "context_preservation"
	ScoreGuardrailEscalation ScoreCategory = "guardrail_escalation"
	ScoreScenarioQuality     ScoreCategory = "scenario_quality"
)

// ScoreCategories lists the buckets in report order.
var ScoreCategories = []ScoreCategory{
	ScoreTopicSelection,
	ScoreActionInvocation,
	ScoreTopicReMatching,
	ScoreContextPreservation,
	ScoreGuardrailEscalation,
	ScoreScenarioQuality,
}

// Label returns the human-readable name of the category.
func (c ScoreCategory) Label() string {
	switch c {
	case ScoreTopicSelection:
		return "Topic Selection"
	case ScoreActionInvocation:
		return "Action Invocation"
	case ScoreTopicReMatching:
		return "Topic Re-matching"
	case ScoreContextPreservation:
		return "Context Preservation"
	case ScoreGuardrailEscalation:
		return "Guardrail/Escalation"
	case ScoreScenarioQuality:
		return "Scenario Quality"
	default:
		return string(c)
	}
}

// IsValid returns true for a known category.
func (c ScoreCategory) IsValid() bool {
	for _, k := range ScoreCategories {
		if c == k {
			return true
		}
	}
	return false
}

// ScoreCategoryFor maps an expectation kind to its bucket. TopicContains on the
// first turn measures topic selection; on later turns, re-matching.
func ScoreCategoryFor(kind scenario.Kind, turnIndex int) ScoreCategory {
	switch kind {
	case scenario.KindTopicContains:
		if turnIndex == 0 {
			return ScoreTopicSelection
		}
		return ScoreTopicReMatching
	case scenario.KindActionInvoked:
		return ScoreActionInvocation
	case scenario.KindContextRetained, scenario.KindVariableUsed:
		return ScoreContextPreservation
	case scenario.KindGuardrailTriggered, scenario.KindEscalationTriggered, scenario.KindResumesNormal:
		return ScoreGuardrailEscalation
	default:
		return ScoreScenarioQuality
	}
}

// Weights maps each category to its maximum points.
type Weights map[ScoreCategory]float64

// DefaultWeights returns the stock 15/15/15/15/15/10 split.
func DefaultWeights() Weights {
	return Weights{
		ScoreTopicSelection:      15,
		ScoreActionInvocation:    15,
		ScoreTopicReMatching:     15,
		ScoreContextPreservation: 15,
		ScoreGuardrailEscalation: 15,
		ScoreScenarioQuality:     10,
	}
}

// WeightsFrom overlays string-keyed weights (as found in config files) on the defaults.
func WeightsFrom(m map[string]float64) (Weights, error) {
	w := DefaultWeights()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c := ScoreCategory(k)
		if !c.IsValid() {
			return nil, fmt.Errorf("unknown score category %q", k)
		}
		if m[k] < 0 {
			return nil, fmt.Errorf("score weight %q must not be negative", k)
		}
		w[c] = m[k]
	}
	return w, nil
}

// Counter counts passed and applicable checks in one category.
type Counter struct {
	Passed     int `json:"passed"`
	Applicable int `json:"applicable"`
}

func (c Counter) add(o Counter) Counter {
	return Counter{Passed: c.Passed + o.Passed, Applicable: c.Applicable + o.Applicable}
}

// CategoryScore is one line of the score table.
type CategoryScore struct {
	Category   ScoreCategory `json:"category"`
	Label      string        `json:"label"`
	Weight     float64       `json:"weight"`
	Passed     int           `json:"passed"`
	Applicable int           `json:"applicable"`
	Score      float64       `json:"score"`
}

// Score scales a counter to a weight. No applicable checks scores zero.
func Score(c Counter, weight float64) float64 {
	if c.Applicable == 0 {
		return 0
	}
	return float64(c.Passed) / float64(c.Applicable) * weight
}
