package scenario

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind names an expectation. The set is closed.
type Kind string

const (
	KindResponseNotEmpty    Kind = "response_not_empty"
	KindTopicContains       Kind = "topic_contains"
	KindActionInvoked       Kind = "action_invoked"
	KindContextRetained     Kind = "context_retained"
	KindGuardrailTriggered  Kind = "guardrail_triggered"
	KindEscalationTriggered Kind = "escalation_triggered"
	KindResponseContains    Kind = "response_contains"
	KindResponseNotContains Kind = "response_not_contains"
	KindVariableUsed        Kind = "variable_used"
	KindResumesNormal       Kind = "resumes_normal"
)

// Kinds lists every expectation kind in documentation order.
var Kinds = []Kind{
	KindResponseNotEmpty,
	KindTopicContains,
	KindActionInvoked,
	KindContextRetained,
	KindGuardrailTriggered,
	KindEscalationTriggered,
	KindResponseContains,
	KindResponseNotContains,
	KindVariableUsed,
	KindResumesNormal,
}

// kindAliases maps legacy document keys onto kinds.
var kindAliases = map[string]Kind{
	"action_uses_variable": KindVariableUsed,
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindResponseNotEmpty, KindTopicContains, KindActionInvoked, KindContextRetained,
		KindGuardrailTriggered, KindEscalationTriggered, KindResponseContains,
		KindResponseNotContains, KindVariableUsed, KindResumesNormal:
		return true
	default:
		return false
	}
}

// acceptsBool reports whether the kind takes a boolean value.
func (k Kind) acceptsBool() bool {
	switch k {
	case KindResponseNotEmpty, KindContextRetained, KindGuardrailTriggered,
		KindEscalationTriggered, KindResumesNormal, KindActionInvoked:
		return true
	default:
		return false
	}
}

// acceptsString reports whether the kind takes a string value.
func (k Kind) acceptsString() bool {
	switch k {
	case KindTopicContains, KindActionInvoked, KindResponseContains,
		KindResponseNotContains, KindVariableUsed:
		return true
	default:
		return false
	}
}

// ParseKind resolves a document key to a Kind.
func ParseKind(s string) Kind {
	key := strings.ToLower(strings.TrimSpace(s))
	if k, ok := kindAliases[key]; ok {
		return k
	}
	return Kind(key)
}

// Expectation is one assertable condition on a turn's response.
type Expectation struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// Value is a bool or a string depending on Kind.
	Value any `yaml:"value" json:"value"`
}

// Bool returns the value as a bool.
func (e Expectation) Bool() (bool, bool) {
	b, ok := e.Value.(bool)
	return b, ok
}

// Text returns the value as a string; non-string scalars are formatted.
func (e Expectation) Text() string {
	switch v := e.Value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// String renders the expectation as "kind=value".
func (e Expectation) String() string {
	return fmt.Sprintf("%s=%v", e.Kind, e.Value)
}

// Expectations keeps document order. In YAML it is either a mapping of
// kind to value or a list of {kind, value} objects.
type Expectations []Expectation

// UnmarshalYAML implements yaml.Unmarshaler.
func (es *Expectations) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(Expectations, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var value any
			if err := node.Content[i+1].Decode(&value); err != nil {
				return fmt.Errorf("expectation %q: %w", node.Content[i].Value, err)
			}
			out = append(out, Expectation{Kind: ParseKind(node.Content[i].Value), Value: value})
		}
		*es = out
		return nil
	case yaml.SequenceNode:
		var items []struct {
			Kind  string `yaml:"kind"`
			Value any    `yaml:"value"`
		}
		if err := node.Decode(&items); err != nil {
			return err
		}
		out := make(Expectations, 0, len(items))
		for _, it := range items {
			out = append(out, Expectation{Kind: ParseKind(it.Kind), Value: it.Value})
		}
		*es = out
		return nil
	default:
		return fmt.Errorf("line %d: expectations must be a mapping or a list", node.Line)
	}
}
