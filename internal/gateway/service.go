// Package gateway exposes the security core as named operations. Every
// gated operation resolves to an Outcome: executed, needs approval or denied.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/org/agentguard/internal/approval"
	"github.com/org/agentguard/internal/audit"
	"github.com/org/agentguard/internal/notify"
	"github.com/org/agentguard/internal/permission"
	"github.com/org/agentguard/internal/tools"
	"github.com/org/agentguard/internal/vault"
	"github.com/org/agentguard/internal/web"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

// Deps are the components a Service drives.
type Deps struct {
	Vault       *vault.Vault
	Master      *vault.MasterPassword
	Permissions *permission.Store
	Gate        *approval.Gate
	Web         *web.Requester
	Tools       *tools.Executor
	Audit       *audit.Logger
	Notifier    notify.Notifier
	Logger      zerolog.Logger
}

// Service implements the operation surface.
type Service struct {
	vault    *vault.Vault
	master   *vault.MasterPassword
	perms    *permission.Store
	gate     *approval.Gate
	web      *web.Requester
	tools    *tools.Executor
	audit    *audit.Logger
	notifier notify.Notifier
	log      zerolog.Logger

	ops map[string]opFunc
}

type opFunc func(ctx context.Context, caller models.Principal, payload json.RawMessage) (any, error)

// New wires a Service.
func New(d Deps) *Service {
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{Log: d.Logger}
	}
	s := &Service{
		vault:    d.Vault,
		master:   d.Master,
		perms:    d.Permissions,
		gate:     d.Gate,
		web:      d.Web,
		tools:    d.Tools,
		audit:    d.Audit,
		notifier: d.Notifier,
		log:      d.Logger.With().Str("component", "gateway").Logger(),
	}
	s.ops = map[string]opFunc{
		"secrets.unlock":            decoded(s.unlock),
		"secrets.lock":              decoded(s.lock),
		"secrets.status":            decoded(s.status),
		"secrets.set_secret":        decoded(s.setSecret),
		"secrets.get_secret":        decoded(s.getSecret),
		"secrets.ensure_handle":     decoded(s.ensureHandle),
		"secrets.list_handles":      decoded(s.listHandles),
		"policy.get_decision":       decoded(s.getDecision),
		"policy.set_decision":       decoded(s.setDecision),
		"policy.list_decisions":     decoded(s.listDecisions),
		"policy.request_permission": decoded(s.requestPermission),
		"policy.apply_callback":     decoded(s.applyCallback),
		"approvals.list":            decoded(s.listApprovals),
		"web.request":               decoded(s.webRequest),
		"tools.exec":                decoded(s.toolsExec),
		"tools.disclose_output":     decoded(s.discloseOutput),
		"audit.query":               decoded(s.auditQuery),
	}
	return s
}

// Operations lists the supported operation names.
func (s *Service) Operations() []string {
	out := make([]string, 0, len(s.ops))
	for name := range s.ops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call runs op for caller with a JSON payload.
func (s *Service) Call(ctx context.Context, caller models.Principal, op string, payload json.RawMessage) (any, error) {
	fn, ok := s.ops[op]
	if !ok {
		return nil, badRequest("unknown operation %q", op)
	}
	return fn(ctx, caller, payload)
}

// PendingApprovals is the number of live pending approvals.
func (s *Service) PendingApprovals() int {
	return len(s.gate.Pending())
}

// VaultUnlocked reports the vault state.
func (s *Service) VaultUnlocked() bool {
	return s.vault.IsUnlocked()
}

// decoded adapts a typed handler to an opFunc. Unknown payload fields are
// rejected so a misspelled option is never silently ignored.
func decoded[P any](fn func(context.Context, models.Principal, *P) (any, error)) opFunc {
	return func(ctx context.Context, caller models.Principal, raw json.RawMessage) (any, error) {
		var p P
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&p); err != nil {
				return nil, badRequest("invalid payload: %v", err)
			}
		}
		return fn(ctx, caller, &p)
	}
}

// principalFor returns the principal an operation acts for. Only operators
// may act for someone else.
func principalFor(caller models.Principal, requested string) (string, error) {
	if requested == "" || requested == caller.ID {
		return caller.ID, nil
	}
	if caller.IsOperator() {
		return requested, nil
	}
	return "", forbidden("principal_id may only be set by an operator")
}

func requireOperator(caller models.Principal, op string) error {
	if !caller.IsOperator() {
		return forbidden("%s requires the operator role", op)
	}
	return nil
}

// gateRequest describes one gated call.
type gateRequest struct {
	principalID string
	key         models.ResourceKey
	token       string // approve-this-request token
	approvalID  string // approved one-off request
	meta        map[string]any

	// optional calls proceed on an unknown key; only a standing DENY
	// stops them.
	optional bool

	// ready, when set, must pass before a one-time grant is spent, so a
	// call that cannot run yet keeps its grant.
	ready func() error
}

// authorize decides whether a gated operation may run now. It returns nil
// to proceed, or the Outcome to report instead. A standing DENY is final; an
// unknown key is routed to a new approval unless the caller redeems a
// one-time grant.
func (s *Service) authorize(ctx context.Context, g gateRequest) (*models.Outcome, error) {
	err := s.perms.Enforce(ctx, g.principalID, g.key)
	if err == nil {
		return nil, nil
	}
	var denied *permission.DeniedError
	if !errors.As(err, &denied) {
		return nil, err
	}
	if denied.Standing {
		o := models.Denied(g.key, "standing decision is DENY")
		return &o, nil
	}
	if g.optional {
		return nil, nil
	}

	if g.token != "" || g.approvalID != "" {
		if g.ready != nil {
			if err := g.ready(); err != nil {
				return nil, err
			}
		}
		if g.token != "" && s.gate.VerifyAndConsume(g.token, g.principalID, g.key) {
			return nil, nil
		}
		if g.approvalID != "" && s.gate.ConsumeOneOff(g.approvalID, g.principalID, g.key) {
			return nil, nil
		}
	}

	req, err := s.gate.Request(g.principalID, g.key, g.meta)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.RequestedEvent(req)) //nolint:errcheck
	o := models.NeedsApproval(req.ID, g.key)
	return &o, nil
}

func (s *Service) record(ctx context.Context, principalID, op string, key *models.ResourceKey, status string, meta map[string]any) {
	entry := &models.AuditEntry{
		PrincipalID: principalID,
		Operation:   op,
		Status:      status,
		Metadata:    meta,
	}
	if key != nil {
		entry.Resource = key.String()
	}
	s.audit.LogRequest(ctx, entry)
}

// gatedResult renders a non-executed Outcome. pendingStatus names the
// approval-needed state for the operation.
func gatedResult(o *models.Outcome, pendingStatus string) map[string]any {
	if o.Kind == models.OutcomeDenied {
		return map[string]any{
			"status":   "denied",
			"reason":   o.Reason,
			"resource": o.Resource,
		}
	}
	return map[string]any{
		"status":      pendingStatus,
		"approval_id": o.ApprovalID,
		"resource":    o.Resource,
	}
}

func auditStatus(o *models.Outcome) string {
	if o.Kind == models.OutcomeDenied {
		return "denied"
	}
	return "approval_requested"
}
