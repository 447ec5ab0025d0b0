// Package permission keeps standing ALLOW/DENY decisions per principal and
// resource.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/agentguard/internal/storage"
	"github.com/org/agentguard/pkg/models"
)

// DeniedError carries the principal and resource so the caller can route the
// request to approval.
type DeniedError struct {
	PrincipalID string
	Resource    models.ResourceKey
	Standing    bool
}

func (e *DeniedError) Error() string {
	if e.Standing {
		return fmt.Sprintf("permission denied for %s on %s", e.PrincipalID, e.Resource)
	}
	return fmt.Sprintf("no standing permission for %s on %s", e.PrincipalID, e.Resource)
}

// Store wraps a durable DecisionStore. Absence of a row is "unknown", never
// an implicit allow.
type Store struct {
	db  storage.DecisionStore
	now func() time.Time
}

// NewStore creates a Store over db.
func NewStore(db storage.DecisionStore) *Store {
	return &Store{db: db, now: time.Now}
}

// Get returns the decision for (principal, key). found is false when no row
// exists.
func (s *Store) Get(ctx context.Context, principalID string, key models.ResourceKey) (models.Decision, bool, error) {
	if err := validate(principalID, key); err != nil {
		return "", false, err
	}
	d, err := s.db.GetDecision(ctx, principalID, key.Type, key.Value)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading decision: %w", err)
	}
	return d.Decision, true, nil
}

// Set upserts the decision with the current timestamp. Last write wins.
func (s *Store) Set(ctx context.Context, principalID string, key models.ResourceKey, decision models.Decision) (*models.PermissionDecision, error) {
	if err := validate(principalID, key); err != nil {
		return nil, err
	}
	if decision != models.DecisionAllow && decision != models.DecisionDeny {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	d := &models.PermissionDecision{
		PrincipalID: principalID,
		Resource:    key,
		Decision:    decision,
		Timestamp:   s.now().UTC(),
	}
	if err := s.db.SetDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("saving decision: %w", err)
	}
	return d, nil
}

// List returns every decision held for principalID.
func (s *Store) List(ctx context.Context, principalID string) ([]*models.PermissionDecision, error) {
	return s.db.ListDecisions(ctx, principalID)
}

// Enforce returns nil only for a standing ALLOW; otherwise a *DeniedError
// whose Standing field tells an explicit DENY from an unknown key.
func (s *Store) Enforce(ctx context.Context, principalID string, key models.ResourceKey) error {
	decision, found, err := s.Get(ctx, principalID, key)
	if err != nil {
		return err
	}
	if found && decision == models.DecisionAllow {
		return nil
	}
	return &DeniedError{PrincipalID: principalID, Resource: key, Standing: found}
}

func validate(principalID string, key models.ResourceKey) error {
	if principalID == "" {
		return errors.New("principal id is required")
	}
	if !models.ValidResourceType(key.Type) {
		return fmt.Errorf("unknown resource type %q", key.Type)
	}
	if key.Value == "" {
		return errors.New("resource value is required")
	}
	return nil
}
