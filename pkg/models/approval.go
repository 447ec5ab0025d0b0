package models

import "time"

// Callback actions a human can take on a pending approval.
const (
	ActionAlwaysAllow        = "always_allow"
	ActionDeny               = "deny"
	ActionApproveThisRequest = "approve_this_request"
)

// ApprovalRequest is an in-memory pending approval. It exists only between
// creation and the first resolving callback.
type ApprovalRequest struct {
	ID          string         `json:"approval_id"`
	PrincipalID string         `json:"principal_id"`
	Resource    ResourceKey    `json:"resource"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// CapabilityToken is a single-use, time-boxed proof of a one-time approval.
type CapabilityToken struct {
	Token      string    `json:"token"`
	ApprovalID string    `json:"approval_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
}
