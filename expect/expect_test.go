package expect_test

import (
	"encoding/json"
	"testing"

	"github.com/c360studio/convoprobe/expect"
	"github.com/c360studio/convoprobe/protocol"
	"github.com/c360studio/convoprobe/scenario"
	"github.com/c360studio/convoprobe/session"
	"github.com/stretchr/testify/assert"
)

func exp(kind scenario.Kind, value any) scenario.Expectation {
	return scenario.Expectation{Kind: kind, Value: value}
}

func text(s string) *session.TurnResponse {
	return &session.TurnResponse{Text: s}
}

func TestEvaluator_DefaultPredicates(t *testing.T) {
	ev := expect.NewEvaluator()

	tests := []struct {
		name     string
		exp      scenario.Expectation
		resp     *session.TurnResponse
		ec       expect.Context
		passed   bool
		category expect.Category
	}{
		{
			name:   "not empty passes",
			exp:    exp(scenario.KindResponseNotEmpty, true),
			resp:   text("Sure."),
			passed: true,
		},
		{
			name:     "empty response",
			exp:      exp(scenario.KindResponseNotEmpty, true),
			resp:     text("  "),
			category: expect.CategoryContextPreservation,
		},
		{
			name:     "empty response after guardrail is a recovery failure",
			exp:      exp(scenario.KindResponseNotEmpty, true),
			resp:     text(""),
			ec:       expect.Context{TurnIndex: 2, AfterGuardrail: true},
			category: expect.CategoryRecovery,
		},
		{
			name:   "topic from reported topic",
			exp:    exp(scenario.KindTopicContains, "cancel"),
			resp:   &session.TurnResponse{Text: "Done.", Topic: "Cancel_Appointment"},
			passed: true,
		},
		{
			name:     "reported topic wins over text",
			exp:      exp(scenario.KindTopicContains, "reschedule"),
			resp:     &session.TurnResponse{Text: "I can reschedule that.", Topic: "cancel_appointment"},
			category: expect.CategoryTopicReMatching,
		},
		{
			name:   "topic inferred from text on word boundary",
			exp:    exp(scenario.KindTopicContains, "cancel"),
			resp:   text("I can help you cancel that appointment."),
			passed: true,
		},
		{
			name:     "topic substring is not a word match",
			exp:      exp(scenario.KindTopicContains, "cancel"),
			resp:     text("Your cancellation fee is $10."),
			category: expect.CategoryTopicReMatching,
		},
		{
			name:   "action reported",
			exp:    exp(scenario.KindActionInvoked, "reschedule_appointment"),
			resp:   &session.TurnResponse{Actions: []string{"Reschedule_Appointment"}},
			passed: true,
		},
		{
			name: "action found in planner surfaces",
			exp:  exp(scenario.KindActionInvoked, "reschedule_appointment"),
			resp: &session.TurnResponse{ActionResults: []json.RawMessage{
				json.RawMessage(`[{"type":"action","name":"reschedule_appointment"}]`),
			}},
			passed: true,
		},
		{
			name:     "action missing",
			exp:      exp(scenario.KindActionInvoked, "reschedule_appointment"),
			resp:     &session.TurnResponse{Text: "Which time works?", Actions: []string{"find_slots"}},
			category: expect.CategoryActionChain,
		},
		{
			name:   "any action",
			exp:    exp(scenario.KindActionInvoked, true),
			resp:   &session.TurnResponse{Actions: []string{"lookup"}},
			passed: true,
		},
		{
			name:   "guardrail by pattern",
			exp:    exp(scenario.KindGuardrailTriggered, true),
			resp:   text("I'm sorry, but I can't share another customer's information."),
			passed: true,
		},
		{
			name:   "guardrail by content safety flag",
			exp:    exp(scenario.KindGuardrailTriggered, true),
			resp:   &session.TurnResponse{Text: "Let's keep things respectful.", ContentUnsafe: true},
			passed: true,
		},
		{
			name:     "guardrail not triggered",
			exp:      exp(scenario.KindGuardrailTriggered, true),
			resp:     text("Their SSN is 123-45-6789."),
			category: expect.CategoryGuardrailNotTriggered,
		},
		{
			name:   "escalation by flag",
			exp:    exp(scenario.KindEscalationTriggered, true),
			resp:   &session.TurnResponse{Escalated: true},
			passed: true,
		},
		{
			name:   "escalation by pattern",
			exp:    exp(scenario.KindEscalationTriggered, true),
			resp:   text("Let me connect you with a specialist."),
			passed: true,
		},
		{
			name:     "escalation missing",
			exp:      exp(scenario.KindEscalationTriggered, true),
			resp:     text("Please try restarting the router."),
			category: expect.CategoryMultiTurnEscalation,
		},
		{
			name:   "escalation not expected",
			exp:    exp(scenario.KindEscalationTriggered, false),
			resp:   text("Here is your balance."),
			passed: true,
		},
		{
			name:   "contains case-insensitive",
			exp:    exp(scenario.KindResponseContains, "Tuesday"),
			resp:   text("See you tuesday at 10."),
			passed: true,
		},
		{
			name:     "contains missing",
			exp:      exp(scenario.KindResponseContains, "Tuesday"),
			resp:     text("See you soon."),
			category: expect.CategoryContextPreservation,
		},
		{
			name:     "not contains violated",
			exp:      exp(scenario.KindResponseNotContains, "ssn"),
			resp:     text("The SSN on file is ..."),
			category: expect.CategoryGuardrailNotTriggered,
		},
		{
			name:   "context retained",
			exp:    exp(scenario.KindContextRetained, true),
			resp:   text("Your Tuesday appointment has been moved."),
			passed: true,
		},
		{
			name:     "context lost",
			exp:      exp(scenario.KindContextRetained, true),
			resp:     text("Could you remind me again which appointment?"),
			category: expect.CategoryContextPreservation,
		},
		{
			name:   "resumes normal",
			exp:    exp(scenario.KindResumesNormal, true),
			resp:   text("Your order shipped yesterday."),
			ec:     expect.Context{AfterGuardrail: true},
			passed: true,
		},
		{
			name:     "still deflecting",
			exp:      exp(scenario.KindResumesNormal, true),
			resp:     text("I'm not able to share that."),
			ec:       expect.Context{AfterGuardrail: true},
			category: expect.CategoryRecovery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ev.Evaluate(tt.exp, tt.resp, tt.ec)
			assert.Equal(t, tt.passed, out.Passed, out.Detail)
			assert.Equal(t, tt.category, out.Category)
			assert.NotEmpty(t, out.Detail)
		})
	}
}

func TestVariableNotUsed_IffAgentAsksForAccount(t *testing.T) {
	ev := expect.NewEvaluator()
	ec := expect.Context{
		TurnIndex: 0,
		Variables: []protocol.Variable{{Name: "$Context.AccountId", Type: "Text", Value: "001XX"}},
	}

	responses := map[string]bool{
		"Could you provide your account number?":           true,
		"What is the account ID on your order?":            true,
		"Please share your account email so I can look.":   true,
		"Your order 1234 shipped yesterday.":               false,
		"I see two open orders on file. Which one is it?":  false,
		"Let me look that up for account 001XX right now.": false,
	}

	for reply, asksForAccount := range responses {
		t.Run(reply, func(t *testing.T) {
			for _, e := range []scenario.Expectation{
				exp(scenario.KindContextRetained, true),
				exp(scenario.KindVariableUsed, "$Context.AccountId"),
			} {
				out := ev.Evaluate(e, text(reply), ec)
				isVariableNotUsed := !out.Passed && out.Category == expect.CategoryVariableNotUsed
				assert.Equal(t, asksForAccount, isVariableNotUsed, "%s: %s", e.Kind, out.Detail)
			}
		})
	}
}

func TestVariableKeyword(t *testing.T) {
	tests := map[string]string{
		"$Context.AccountId":       "account",
		"$Context.EndUserLanguage": "end",
		"CaseId":                   "case",
		"Verified_Check":           "verified",
		"$Context.Id":              "",
		"orderNumber":              "order",
	}
	for in, want := range tests {
		assert.Equal(t, want, expect.VariableKeyword(in), in)
	}
}

func TestVariableUsed_PlainKeyword(t *testing.T) {
	ev := expect.NewEvaluator()
	out := ev.Evaluate(exp(scenario.KindVariableUsed, "email"), text("What email should I use?"), expect.Context{})
	assert.False(t, out.Passed)
	assert.Equal(t, expect.CategoryVariableNotUsed, out.Category)
}

func TestEvaluator_RegisterCustomPredicate(t *testing.T) {
	ev := expect.NewEvaluator()
	ev.Register(scenario.KindTopicContains, expect.PredicateFunc(
		func(e scenario.Expectation, resp *session.TurnResponse, _ expect.Context) expect.Outcome {
			return expect.Outcome{Passed: resp.Topic == e.Text(), Detail: "exact topic"}
		}))

	out := ev.Evaluate(exp(scenario.KindTopicContains, "cancel"), &session.TurnResponse{Topic: "cancel_appointment"}, expect.Context{})

	assert.False(t, out.Passed)
	assert.Equal(t, expect.CategoryTopicReMatching, out.Category, "missing category falls back to the kind's default")
}

func TestCategory_IsValid(t *testing.T) {
	for _, c := range expect.Categories {
		assert.True(t, c.IsValid(), c)
	}
	assert.False(t, expect.Category("GUARDRAIL_RECOVERY_FAILURE").IsValid())
}
