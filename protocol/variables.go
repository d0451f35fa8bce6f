package protocol

import (
	"fmt"
	"strings"
)

// Variable is a typed session variable injected at creation or alongside a message.
type Variable struct {
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// DefaultVariableType is used when a variable declares no type.
const DefaultVariableType = "Text"

// ParseVariable parses "name=value" or "name:Type=value".
// Names such as "$Context.AccountId" are kept verbatim.
func ParseVariable(s string) (Variable, error) {
	namePart, value, ok := strings.Cut(s, "=")
	if !ok {
		return Variable{}, fmt.Errorf("invalid variable %q: expected name=value", s)
	}

	name, typ := namePart, DefaultVariableType
	if i := strings.LastIndex(namePart, ":"); i >= 0 {
		name, typ = namePart[:i], namePart[i+1:]
	}

	v := Variable{
		Name:  strings.TrimSpace(name),
		Type:  strings.TrimSpace(typ),
		Value: strings.TrimSpace(value),
	}
	if v.Name == "" {
		return Variable{}, fmt.Errorf("invalid variable %q: empty name", s)
	}
	if v.Type == "" {
		v.Type = DefaultVariableType
	}
	return v, nil
}

// ParseVariables parses a list of variable strings, stopping at the first error.
func ParseVariables(ss []string) ([]Variable, error) {
	vars := make([]Variable, 0, len(ss))
	for _, s := range ss {
		v, err := ParseVariable(s)
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, nil
}

// MergeVariables overlays override onto base by name, keeping base order and
// appending names that only exist in override.
func MergeVariables(base, override []Variable) []Variable {
	out := make([]Variable, 0, len(base)+len(override))
	index := make(map[string]int, len(base))
	for _, v := range base {
		if v.Type == "" {
			v.Type = DefaultVariableType
		}
		index[v.Name] = len(out)
		out = append(out, v)
	}
	for _, v := range override {
		if v.Type == "" {
			v.Type = DefaultVariableType
		}
		if i, ok := index[v.Name]; ok {
			out[i] = v
			continue
		}
		index[v.Name] = len(out)
		out = append(out, v)
	}
	return out
}
