package expect

// Category is a failure-taxonomy tag. Every failed turn carries exactly one.
type Category string

const (
	// CategoryTopicReMatching: wrong or no topic switch on intent change.
	CategoryTopicReMatching Category = "TOPIC_RE_MATCHING_FAILURE"
	// CategoryContextPreservation: agent re-asks known information.
	CategoryContextPreservation Category = "CONTEXT_PRESERVATION_FAILURE"
	// CategoryMultiTurnEscalation: no escalation despite a trigger.
	CategoryMultiTurnEscalation Category = "MULTI_TURN_ESCALATION_FAILURE"
	// CategoryActionChain: action output not threaded into a later action.
	CategoryActionChain Category = "ACTION_CHAIN_FAILURE"
	// CategoryGuardrailNotTriggered: unsafe request not deflected.
	CategoryGuardrailNotTriggered Category = "GUARDRAIL_NOT_TRIGGERED"
	// CategoryVariableNotUsed: a pre-injected session variable was ignored.
	CategoryVariableNotUsed Category = "VARIABLE_NOT_USED"
	// CategoryRecovery: agent could not resume after a guardrail trip.
	CategoryRecovery Category = "RECOVERY_FAILURE"
)

// Categories lists the taxonomy in report order.
var Categories = []Category{
	CategoryTopicReMatching,
	CategoryContextPreservation,
	CategoryMultiTurnEscalation,
	CategoryActionChain,
	CategoryGuardrailNotTriggered,
	CategoryVariableNotUsed,
	CategoryRecovery,
}

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// IsValid returns true if the category is part of the taxonomy.
func (c Category) IsValid() bool {
	switch c {
	case CategoryTopicReMatching, CategoryContextPreservation, CategoryMultiTurnEscalation,
		CategoryActionChain, CategoryGuardrailNotTriggered, CategoryVariableNotUsed, CategoryRecovery:
		return true
	default:
		return false
	}
}
