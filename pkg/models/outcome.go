package models

// OutcomeKind tags the result of a gated operation.
type OutcomeKind string

const (
	OutcomeExecuted      OutcomeKind = "executed"
	OutcomeNeedsApproval OutcomeKind = "needs_approval"
	OutcomeDenied        OutcomeKind = "denied"
)

// Outcome is returned by every gated operation. Callers switch on Kind instead
// of catching errors for the "not yet authorized" state.
type Outcome struct {
	Kind       OutcomeKind
	Result     any
	ApprovalID string
	Resource   ResourceKey
	Reason     string
}

// Executed wraps a completed result.
func Executed(result any) Outcome {
	return Outcome{Kind: OutcomeExecuted, Result: result}
}

// NeedsApproval reports that a pending approval was created for key.
func NeedsApproval(approvalID string, key ResourceKey) Outcome {
	return Outcome{Kind: OutcomeNeedsApproval, ApprovalID: approvalID, Resource: key}
}

// Denied reports a standing refusal.
func Denied(key ResourceKey, reason string) Outcome {
	return Outcome{Kind: OutcomeDenied, Resource: key, Reason: reason}
}
