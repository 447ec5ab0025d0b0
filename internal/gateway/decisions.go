package gateway

import (
	"context"
	"time"

	"github.com/org/agentguard/internal/approval"
	"github.com/org/agentguard/internal/notify"
	"github.com/org/agentguard/internal/storage"
	"github.com/org/agentguard/pkg/models"
)

type decisionPayload struct {
	PrincipalID   string `json:"principal_id"`
	ResourceType  string `json:"resource_type"`
	ResourceValue string `json:"resource_value"`
	Decision      string `json:"decision,omitempty"`
}

func (p *decisionPayload) key() models.ResourceKey {
	return models.ResourceKey{Type: p.ResourceType, Value: p.ResourceValue}
}

type listDecisionsPayload struct {
	PrincipalID string `json:"principal_id"`
}

type requestPermissionPayload struct {
	PrincipalID   string         `json:"principal_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceValue string         `json:"resource_value"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type callbackPayload struct {
	ApprovalID string `json:"approval_id"`
	Action     string `json:"action"`
}

type auditQueryPayload struct {
	PrincipalID string     `json:"principal_id"`
	Operation   string     `json:"operation"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit"`
	Offset      int        `json:"offset"`
}

func (s *Service) getDecision(ctx context.Context, caller models.Principal, p *decisionPayload) (any, error) {
	principalID, err := principalFor(caller, p.PrincipalID)
	if err != nil {
		return nil, err
	}
	if err := checkKey(p.key()); err != nil {
		return nil, err
	}
	decision, found, err := s.perms.Get(ctx, principalID, p.key())
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"found": false, "decision": nil}, nil
	}
	return map[string]any{"found": true, "decision": decision}, nil
}

func (s *Service) setDecision(ctx context.Context, caller models.Principal, p *decisionPayload) (any, error) {
	if err := requireOperator(caller, "policy.set_decision"); err != nil {
		return nil, err
	}
	if p.PrincipalID == "" {
		return nil, badRequest("principal_id is required")
	}
	decision, err := models.ParseDecision(p.Decision)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	key := p.key()
	if err := checkKey(key); err != nil {
		return nil, err
	}
	d, err := s.perms.Set(ctx, p.PrincipalID, key, decision)
	if err != nil {
		return nil, err
	}
	s.record(ctx, caller.ID, "policy.set_decision", &key, "executed",
		map[string]any{"principal": p.PrincipalID, "decision": string(decision)})
	return map[string]any{"status": "saved", "decision": d}, nil
}

func (s *Service) listDecisions(ctx context.Context, caller models.Principal, p *listDecisionsPayload) (any, error) {
	principalID, err := principalFor(caller, p.PrincipalID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.perms.List(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if decisions == nil {
		decisions = []*models.PermissionDecision{}
	}
	return map[string]any{"decisions": decisions}, nil
}

func (s *Service) requestPermission(ctx context.Context, caller models.Principal, p *requestPermissionPayload) (any, error) {
	principalID, err := principalFor(caller, p.PrincipalID)
	if err != nil {
		return nil, err
	}
	key := models.ResourceKey{Type: p.ResourceType, Value: p.ResourceValue}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	req, err := s.gate.Request(principalID, key, p.Metadata)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.RequestedEvent(req)) //nolint:errcheck
	s.record(ctx, principalID, "policy.request_permission", &key, "approval_requested", nil)
	return map[string]any{
		"status":      "approval_requested",
		"approval_id": req.ID,
		"resource":    key,
		"expires_at":  req.ExpiresAt,
	}, nil
}

func (s *Service) applyCallback(ctx context.Context, caller models.Principal, p *callbackPayload) (any, error) {
	if err := requireOperator(caller, "policy.apply_callback"); err != nil {
		return nil, err
	}
	switch p.Action {
	case models.ActionAlwaysAllow, models.ActionDeny, models.ActionApproveThisRequest:
	default:
		return nil, badRequest("action must be one of %s, %s, %s",
			models.ActionAlwaysAllow, models.ActionDeny, models.ActionApproveThisRequest)
	}
	pending, known := s.gate.Get(p.ApprovalID)
	res, err := s.gate.ApplyCallback(ctx, p.ApprovalID, p.Action)
	if err != nil {
		return nil, err
	}
	if known && res.Status != approval.StatusNotFound {
		s.notifier.Notify(ctx, notify.Event{ //nolint:errcheck
			Type:        notify.EventApprovalResolved,
			ApprovalID:  res.ApprovalID,
			PrincipalID: pending.PrincipalID,
			Resource:    pending.Resource,
			Status:      res.Status,
			Timestamp:   time.Now().UTC(),
		})
		s.record(ctx, caller.ID, "policy.apply_callback", &pending.Resource, res.Status,
			map[string]any{"approval_id": res.ApprovalID, "principal": pending.PrincipalID})
	}
	return res, nil
}

func (s *Service) listApprovals(_ context.Context, caller models.Principal, _ *emptyPayload) (any, error) {
	if err := requireOperator(caller, "approvals.list"); err != nil {
		return nil, err
	}
	return map[string]any{"pending": s.gate.Pending()}, nil
}

func (s *Service) auditQuery(ctx context.Context, caller models.Principal, p *auditQueryPayload) (any, error) {
	if err := requireOperator(caller, "audit.query"); err != nil {
		return nil, err
	}
	entries, err := s.audit.Query(ctx, storage.AuditFilter{
		PrincipalID: p.PrincipalID,
		Operation:   p.Operation,
		Since:       p.Since,
		Limit:       p.Limit,
		Offset:      p.Offset,
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	return map[string]any{"entries": entries}, nil
}

func checkKey(key models.ResourceKey) error {
	if !models.ValidResourceType(key.Type) {
		return badRequest("unknown resource_type %q", key.Type)
	}
	if key.Value == "" {
		return badRequest("resource_value is required")
	}
	return nil
}
