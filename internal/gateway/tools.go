package gateway

import (
	"context"
	"encoding/base64"

	"github.com/org/agentguard/internal/audit"
	"github.com/org/agentguard/internal/tools"
	"github.com/org/agentguard/pkg/models"
)

// ToolExecPayload is a tools.Command plus the caller's routing fields.
type ToolExecPayload struct {
	tools.Command
	PrincipalID   string `json:"principal_id,omitempty"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

// DisclosePayload asks for the staged output of a tainted run.
type DisclosePayload struct {
	PrincipalID   string `json:"principal_id,omitempty"`
	RunID         string `json:"run_id"`
	ApprovalID    string `json:"approval_id,omitempty"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

// ToolExec parses, authorizes and runs a local command.
func (s *Service) ToolExec(ctx context.Context, caller models.Principal, p *ToolExecPayload) (models.Outcome, error) {
	principalID, err := principalFor(caller, p.PrincipalID)
	if err != nil {
		return models.Outcome{}, err
	}
	argv, err := s.tools.Parse(&p.Command)
	if err != nil {
		s.record(ctx, principalID, "tools.exec", nil, "rejected", map[string]any{"error": err.Error()})
		return models.Outcome{}, err
	}
	key := tools.Resource(argv)
	meta := map[string]any{
		"argv":    argv,
		"stdin":   audit.Digest([]byte(p.Stdin)),
		"tainted": s.tools.IsTainted(argv, p.Taint),
	}

	gated, err := s.authorize(ctx, gateRequest{principalID: principalID, key: key, token: p.ApprovalToken, meta: meta})
	if err != nil {
		return models.Outcome{}, err
	}
	if gated != nil {
		s.record(ctx, principalID, "tools.exec", &key, auditStatus(gated), meta)
		return *gated, nil
	}

	res, err := s.tools.Run(ctx, principalID, argv, p.Stdin, p.Taint)
	if err != nil {
		s.record(ctx, principalID, "tools.exec", &key, "error", meta)
		return models.Outcome{}, err
	}
	meta["run_id"] = res.RunID
	meta["code"] = res.Code
	meta["bytes_stdout"] = res.BytesStdout
	meta["bytes_stderr"] = res.BytesStderr
	meta["truncated"] = res.Truncated
	s.record(ctx, principalID, "tools.exec", &key, "executed", meta)
	return models.Executed(res), nil
}

func (s *Service) toolsExec(ctx context.Context, caller models.Principal, p *ToolExecPayload) (any, error) {
	o, err := s.ToolExec(ctx, caller, p)
	if err != nil {
		return nil, err
	}
	if o.Kind != models.OutcomeExecuted {
		out := gatedResult(&o, "needs_tool_approval")
		out["tool"] = o.Resource.Value
		return out, nil
	}
	res := o.Result.(*tools.Result)
	return map[string]any{
		"status":               "executed",
		"run_id":               res.RunID,
		"tool":                 res.Tool,
		"code":                 res.Code,
		"bytes_stdout":         res.BytesStdout,
		"bytes_stderr":         res.BytesStderr,
		"tainted":              res.Tainted,
		"disclosure_available": res.DisclosureAvailable,
		"truncated":            res.Truncated,
		"timed_out":            res.TimedOut,
		"stdout":               res.Stdout,
		"stderr":               res.Stderr,
	}, nil
}

// DiscloseOutput releases staged output once disclosure of the run is
// authorized, either by a standing decision or a one-time grant.
func (s *Service) DiscloseOutput(ctx context.Context, caller models.Principal, p *DisclosePayload) (models.Outcome, error) {
	principalID, err := principalFor(caller, p.PrincipalID)
	if err != nil {
		return models.Outcome{}, err
	}
	if p.RunID == "" {
		return models.Outcome{}, badRequest("run_id is required")
	}
	out, ok := s.tools.Output(p.RunID)
	// Another principal's run is reported exactly like a missing one.
	if !ok || (out.PrincipalID != principalID && !caller.IsOperator()) {
		return models.Outcome{}, notFound("no staged output for run %s", p.RunID)
	}

	key := models.ResourceKey{Type: models.ResourceDiscloseOutput, Value: p.RunID}
	meta := map[string]any{
		"run_id":       p.RunID,
		"tool":         out.Tool,
		"code":         out.Code,
		"bytes_stdout": len(out.Stdout),
		"bytes_stderr": len(out.Stderr),
		"tainted":      true,
	}
	gated, err := s.authorize(ctx, gateRequest{
		principalID: principalID,
		key:         key,
		token:       p.ApprovalToken,
		approvalID:  p.ApprovalID,
		meta:        meta,
	})
	if err != nil {
		return models.Outcome{}, err
	}
	if gated != nil {
		s.record(ctx, principalID, "tools.disclose_output", &key, auditStatus(gated), meta)
		return *gated, nil
	}
	s.record(ctx, principalID, "tools.disclose_output", &key, "executed", meta)
	return models.Executed(out), nil
}

func (s *Service) discloseOutput(ctx context.Context, caller models.Principal, p *DisclosePayload) (any, error) {
	o, err := s.DiscloseOutput(ctx, caller, p)
	if err != nil {
		return nil, err
	}
	if o.Kind != models.OutcomeExecuted {
		return gatedResult(&o, "needs_disclose_approval"), nil
	}
	// Staged output is arbitrary bytes; base64 keeps it exact over JSON.
	out := o.Result.(*tools.Output)
	return map[string]any{
		"status":     "disclosed",
		"run_id":     out.RunID,
		"tool":       out.Tool,
		"code":       out.Code,
		"encoding":   "base64",
		"stdout_b64": base64.StdEncoding.EncodeToString(out.Stdout),
		"stderr_b64": base64.StdEncoding.EncodeToString(out.Stderr),
		"truncated":  out.Truncated,
	}, nil
}
