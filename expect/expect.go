// Package expect evaluates turn expectations against agent responses. Each
// expectation kind has its own Predicate, so heuristic matchers can be replaced
// with stricter ones without touching the scenario engine.
package expect

import (
	"fmt"
	"strings"

	"github.com/c360studio/convoprobe/protocol"
	"github.com/c360studio/convoprobe/scenario"
	"github.com/c360studio/convoprobe/session"
)

// Context carries the facts a predicate may consult besides the response itself.
// It never contains anything from later turns.
type Context struct {
	// TurnIndex is zero-based.
	TurnIndex int
	// Variables are the session variables in effect for the turn.
	Variables []protocol.Variable
	// AfterGuardrail is true when the previous turn was deflected by a guardrail.
	AfterGuardrail bool
}

// Outcome is the verdict for one expectation.
type Outcome struct {
	Passed bool
	Actual string
	Detail string
	// Category is set only when Passed is false.
	Category Category
}

// Predicate evaluates one expectation kind.
type Predicate interface {
	Evaluate(exp scenario.Expectation, resp *session.TurnResponse, ec Context) Outcome
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(exp scenario.Expectation, resp *session.TurnResponse, ec Context) Outcome

// Evaluate implements Predicate.
func (f PredicateFunc) Evaluate(exp scenario.Expectation, resp *session.TurnResponse, ec Context) Outcome {
	return f(exp, resp, ec)
}

// Evaluator dispatches expectations to their predicates.
type Evaluator struct {
	predicates map[scenario.Kind]Predicate
}

// NewEvaluator returns an Evaluator with the default heuristic predicates.
func NewEvaluator() *Evaluator {
	return &Evaluator{predicates: map[scenario.Kind]Predicate{
		scenario.KindResponseNotEmpty:    PredicateFunc(responseNotEmpty),
		scenario.KindTopicContains:       PredicateFunc(topicContains),
		scenario.KindActionInvoked:       PredicateFunc(actionInvoked),
		scenario.KindContextRetained:     PredicateFunc(contextRetained),
		scenario.KindGuardrailTriggered:  PredicateFunc(guardrailTriggered),
		scenario.KindEscalationTriggered: PredicateFunc(escalationTriggered),
		scenario.KindResponseContains:    PredicateFunc(responseContains),
		scenario.KindResponseNotContains: PredicateFunc(responseNotContains),
		scenario.KindVariableUsed:        PredicateFunc(variableUsed),
		scenario.KindResumesNormal:       PredicateFunc(resumesNormal),
	}}
}

// Register replaces the predicate for kind.
func (e *Evaluator) Register(kind scenario.Kind, p Predicate) {
	e.predicates[kind] = p
}

// Evaluate runs the predicate registered for exp.Kind. A failed outcome always
// carries a valid category.
func (e *Evaluator) Evaluate(exp scenario.Expectation, resp *session.TurnResponse, ec Context) Outcome {
	p, ok := e.predicates[exp.Kind]
	if !ok {
		return Outcome{
			Detail:   fmt.Sprintf("no predicate registered for %s", exp.Kind),
			Category: CategoryFor(exp.Kind, ec),
		}
	}
	out := p.Evaluate(exp, resp, ec)
	if out.Passed {
		out.Category = ""
	} else if !out.Category.IsValid() {
		out.Category = CategoryFor(exp.Kind, ec)
	}
	return out
}

// CategoryFor is the default taxonomy tag for a failed expectation of kind.
func CategoryFor(kind scenario.Kind, ec Context) Category {
	switch kind {
	case scenario.KindTopicContains:
		return CategoryTopicReMatching
	case scenario.KindActionInvoked:
		return CategoryActionChain
	case scenario.KindEscalationTriggered:
		return CategoryMultiTurnEscalation
	case scenario.KindGuardrailTriggered, scenario.KindResponseNotContains:
		return CategoryGuardrailNotTriggered
	case scenario.KindVariableUsed:
		return CategoryVariableNotUsed
	case scenario.KindResumesNormal:
		return CategoryRecovery
	case scenario.KindResponseNotEmpty:
		if ec.AfterGuardrail {
			return CategoryRecovery
		}
		return CategoryContextPreservation
	default:
		return CategoryContextPreservation
	}
}

// wantBool reads a boolean expectation, treating a non-bool as true.
func wantBool(exp scenario.Expectation) bool {
	if b, ok := exp.Bool(); ok {
		return b
	}
	return true
}

func boolOutcome(want, got bool, detail string) Outcome {
	return Outcome{Passed: want == got, Actual: fmt.Sprint(got), Detail: detail}
}

func responseNotEmpty(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	has := resp.HasText()
	detail := "response has content"
	if !has {
		detail = "response has no content"
	}
	return boolOutcome(wantBool(exp), has, detail)
}

func topicContains(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	want := exp.Text()
	if resp.Topic != "" {
		found := strings.Contains(strings.ToLower(resp.Topic), strings.ToLower(want))
		return Outcome{
			Passed: found,
			Actual: resp.Topic,
			Detail: fmt.Sprintf("reported topic %q %s %q", resp.Topic, verb(found, "contains", "does not contain"), want),
		}
	}
	found := ContainsWord(resp.Text, want)
	return Outcome{
		Passed: found,
		Actual: fmt.Sprint(found),
		Detail: fmt.Sprintf("no topic reported; keyword %q %s in response", want, verb(found, "inferred", "not found")),
	}
}

func actionInvoked(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	if want, ok := exp.Bool(); ok {
		has := len(resp.Actions) > 0 || len(resp.ActionResults) > 0
		return boolOutcome(want, has, fmt.Sprintf("actions %v", resp.Actions))
	}

	name := strings.ToLower(exp.Text())
	for _, a := range resp.Actions {
		if strings.EqualFold(a, name) {
			return Outcome{Passed: true, Actual: a, Detail: fmt.Sprintf("action %q reported", a)}
		}
	}
	for _, raw := range resp.ActionResults {
		if strings.Contains(strings.ToLower(string(raw)), name) {
			return Outcome{Passed: true, Actual: name, Detail: fmt.Sprintf("action %q found in action results", name)}
		}
	}
	return Outcome{
		Actual: strings.Join(resp.Actions, ","),
		Detail: fmt.Sprintf("action %q not invoked (reported: %v)", exp.Text(), resp.Actions),
	}
}

func contextRetained(exp scenario.Expectation, resp *session.TurnResponse, ec Context) Outcome {
	want := wantBool(exp)

	for _, v := range ec.Variables {
		keyword := VariableKeyword(v.Name)
		if ReAsksFor(resp.Text, keyword) {
			out := boolOutcome(want, false, fmt.Sprintf("agent re-asked for %q although %s was set", keyword, v.Name))
			if !out.Passed {
				out.Category = CategoryVariableNotUsed
			}
			return out
		}
	}

	retained := resp.HasText() && !ShowsConfusion(resp.Text)
	detail := "context appears retained"
	if !retained {
		detail = "context may be lost"
	}
	out := boolOutcome(want, retained, detail)
	if !out.Passed {
		out.Category = CategoryContextPreservation
	}
	return out
}

func guardrailTriggered(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	declined := IsGuardrailDeflection(resp)
	return boolOutcome(wantBool(exp), declined, "guardrail "+verb(declined, "triggered", "not triggered"))
}

func escalationTriggered(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	escalated := IsEscalation(resp)
	return boolOutcome(wantBool(exp), escalated, "escalation "+verb(escalated, "detected", "not detected"))
}

func responseContains(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	want := exp.Text()
	found := strings.Contains(strings.ToLower(resp.Text), strings.ToLower(want))
	return Outcome{
		Passed: found,
		Actual: fmt.Sprint(found),
		Detail: fmt.Sprintf("%q %s in response", want, verb(found, "found", "not found")),
	}
}

func responseNotContains(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	want := exp.Text()
	found := strings.Contains(strings.ToLower(resp.Text), strings.ToLower(want))
	return Outcome{
		Passed: !found,
		Actual: fmt.Sprint(found),
		Detail: fmt.Sprintf("%q %s", want, verb(found, "found in response", "absent")),
	}
}

func variableUsed(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	name := exp.Text()
	keyword := name
	if strings.HasPrefix(name, "$") || strings.ContainsAny(name, "._") || hasInnerUpper(name) {
		keyword = VariableKeyword(name)
	}
	if keyword == "" {
		return Outcome{Passed: true, Actual: "cannot_verify", Detail: fmt.Sprintf("no keyword derivable from %s", name)}
	}
	reAsked := ReAsksFor(resp.Text, keyword)
	return Outcome{
		Passed: !reAsked,
		Actual: fmt.Sprint(!reAsked),
		Detail: fmt.Sprintf("agent %s for %q", verb(reAsked, "re-asked", "did not re-ask"), keyword),
	}
}

func resumesNormal(exp scenario.Expectation, resp *session.TurnResponse, _ Context) Outcome {
	normal := resp.HasText() && !IsGuardrailDeflection(resp) && !resp.Escalated
	return boolOutcome(wantBool(exp), normal, "normal conversation "+verb(normal, "resumed", "not resumed"))
}

func verb(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func hasInnerUpper(s string) bool {
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}
