// Package scenario defines multi-turn test scenarios and loads them from YAML documents.
package scenario

import (
	"github.com/c360studio/convoprobe/protocol"
)

// Scenario is an ordered, named sequence of turns. Turn order is fixed.
type Scenario struct {
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Variables   []protocol.Variable `yaml:"session_variables,omitempty" json:"session_variables,omitempty"`
	Turns       []Turn              `yaml:"turns" json:"turns"`

	// Source is the file the scenario was loaded from.
	Source string `yaml:"-" json:"source,omitempty"`
}

// Turn is one user utterance and the expectations on the agent's answer.
type Turn struct {
	User   string       `yaml:"user" json:"user"`
	Expect Expectations `yaml:"expect" json:"expect"`
	// Variables are updates sent with this turn; only mutable variables may change.
	Variables []protocol.Variable `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Document is the on-disk shape: a list of scenarios, or a single scenario at the top level.
type Document struct {
	Scenarios []Scenario `yaml:"scenarios"`
	Scenario  `yaml:",inline"`
}

// Names returns scenario names in order.
func Names(scenarios []Scenario) []string {
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.Name
	}
	return names
}

// Filter returns the scenarios whose names are in keep, preserving order.
func Filter(scenarios []Scenario, keep []string) []Scenario {
	want := make(map[string]bool, len(keep))
	for _, n := range keep {
		want[n] = true
	}
	var out []Scenario
	for _, s := range scenarios {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
