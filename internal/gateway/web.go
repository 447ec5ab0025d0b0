package gateway

import (
	"context"

	"github.com/org/agentguard/internal/web"
	"github.com/org/agentguard/pkg/models"
)

// WebRequestPayload is a web.Request plus the caller's routing fields.
type WebRequestPayload struct {
	web.Request
	PrincipalID   string `json:"principal_id,omitempty"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

// WebRequest validates, authorizes and performs an outbound call.
func (s *Service) WebRequest(ctx context.Context, caller models.Principal, p *WebRequestPayload) (models.Outcome, error) {
	principalID, err := principalFor(caller, p.PrincipalID)
	if err != nil {
		return models.Outcome{}, err
	}
	plan, err := s.web.Prepare(ctx, &p.Request)
	if err != nil {
		s.record(ctx, principalID, "web.request", nil, "rejected", map[string]any{"host": p.Host, "error": Classify(err)})
		return models.Outcome{}, err
	}
	key := plan.Resource()
	summary := plan.Summary()

	// Plain calls skip the approval step, but a standing DENY on the domain
	// still applies to them.
	gated, err := s.authorize(ctx, gateRequest{
		principalID: principalID,
		key:         key,
		token:       p.ApprovalToken,
		meta:        summary,
		optional:    !plan.NeedsApproval,
		ready:       func() error { return s.web.Ready(plan) },
	})
	if err != nil {
		s.record(ctx, principalID, "web.request", &key, "error", map[string]any{"host": plan.Host, "error": Classify(err)})
		return models.Outcome{}, err
	}
	if gated != nil {
		s.record(ctx, principalID, "web.request", &key, auditStatus(gated), summary)
		return *gated, nil
	}

	resp, err := s.web.Send(ctx, plan)
	if err != nil {
		s.record(ctx, principalID, "web.request", &key, "error", summary)
		return models.Outcome{}, err
	}
	summary["status"] = resp.Status
	summary["response_bytes"] = resp.ByteCount
	s.record(ctx, principalID, "web.request", &key, "executed", summary)
	return models.Executed(resp), nil
}

func (s *Service) webRequest(ctx context.Context, caller models.Principal, p *WebRequestPayload) (any, error) {
	o, err := s.WebRequest(ctx, caller, p)
	if err != nil {
		return nil, err
	}
	if o.Kind != models.OutcomeExecuted {
		return gatedResult(&o, "approval_requested"), nil
	}
	return o.Result, nil
}
