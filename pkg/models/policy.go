package models

import (
	"fmt"
	"strings"
	"time"
)

// Role of a principal bound to a channel.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
)

// Principal is an authenticated identity. It is created when a channel is bound
// and is never derived from request payloads.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsOperator reports whether the principal may resolve approvals.
func (p Principal) IsOperator() bool {
	return p.Role == RoleOperator
}

// Resource types an authorization decision can be keyed on.
const (
	ResourceDomain         = "domain"
	ResourceTool           = "tool"
	ResourceDiscloseOutput = "disclose_output"
	ResourceSecret         = "secret"
)

// ValidResourceType reports whether t is one of the supported resource types.
func ValidResourceType(t string) bool {
	switch t {
	case ResourceDomain, ResourceTool, ResourceDiscloseOutput, ResourceSecret:
		return true
	}
	return false
}

// ResourceKey identifies the thing being authorized.
type ResourceKey struct {
	Type  string `json:"resource_type"`
	Value string `json:"resource_value"`
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.Value)
}

// Decision is a standing authorization verdict.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// ParseDecision accepts ALLOW/DENY in any case.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToUpper(s)) {
	case DecisionAllow:
		return DecisionAllow, nil
	case DecisionDeny:
		return DecisionDeny, nil
	}
	return "", fmt.Errorf("invalid decision %q", s)
}

// PermissionDecision is one row of the durable decision table, keyed by
// (principal, resource type, resource value). Last write wins.
type PermissionDecision struct {
	PrincipalID string      `json:"principal_id"`
	Resource    ResourceKey `json:"resource"`
	Decision    Decision    `json:"decision"`
	Timestamp   time.Time   `json:"timestamp"`
}

// AuditEntry records a single gated operation. It carries metadata only.
type AuditEntry struct {
	ID          int64          `json:"id"`
	RequestID   string         `json:"request_id"`
	Timestamp   time.Time      `json:"timestamp"`
	PrincipalID string         `json:"principal_id"`
	Operation   string         `json:"operation"`
	Resource    string         `json:"resource,omitempty"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
