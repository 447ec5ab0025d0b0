package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/agentguard/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DecisionStore persists standing permission decisions keyed by
// (principal, resource type, resource value).
type DecisionStore interface {
	GetDecision(ctx context.Context, principalID, resourceType, resourceValue string) (*models.PermissionDecision, error)
	SetDecision(ctx context.Context, d *models.PermissionDecision) error
	ListDecisions(ctx context.Context, principalID string) ([]*models.PermissionDecision, error)
}

// SecretTable stores one encrypted envelope per secret handle.
type SecretTable interface {
	ListSecretEnvelopes(ctx context.Context) (map[string][]byte, error)
	PutSecretEnvelope(ctx context.Context, handle string, envelope []byte) error
}

// AuditStore persists audit entries.
type AuditStore interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
}

// Backend is the full persistence interface of the gateway.
type Backend interface {
	DecisionStore
	SecretTable
	AuditStore

	Close() error
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	PrincipalID string
	Operation   string
	Since       *time.Time
	Limit       int
	Offset      int
}
