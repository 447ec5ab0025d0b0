package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/org/agentguard/internal/gateway"
)

type opRequest struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

type opError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type opResponse struct {
	OK     bool     `json:"ok"`
	Result any      `json:"result,omitempty"`
	Error  *opError `json:"error,omitempty"`
}

// OpHandler handles POST /v1/op.
func (s *Server) OpHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := principalFromCtx(ctx)

	var req opRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, gateway.KindBadRequest, "invalid request body")
		return
	}
	if req.Op == "" {
		writeError(w, http.StatusBadRequest, gateway.KindBadRequest, "op is required")
		return
	}

	// Unknown names share one label so callers cannot grow the series set.
	label := req.Op
	if !s.ops[label] {
		label = "unknown"
	}
	start := time.Now()
	result, err := s.gw.Call(ctx, principal, req.Op, req.Payload)
	if err != nil {
		kind := gateway.Classify(err)
		s.metrics.observeOp(label, kind, time.Since(start))
		msg := err.Error()
		if kind == gateway.KindInternal {
			s.log.Error().Err(err).Str("op", req.Op).Str("request_id", requestIDFromCtx(ctx)).Msg("operation failed")
			msg = "internal error"
		}
		writeError(w, statusForKind(kind), kind, msg)
		return
	}
	s.metrics.observeOp(label, "ok", time.Since(start))
	writeJSON(w, http.StatusOK, opResponse{OK: true, Result: result})
}

// OpsListHandler handles GET /v1/ops.
func (s *Server) OpsListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.gw.Operations()})
}

// HealthHandler handles GET /v1/health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"unlocked":          s.gw.VaultUnlocked(),
		"pending_approvals": s.gw.PendingApprovals(),
	})
}

func statusForKind(kind string) int {
	switch kind {
	case gateway.KindBadRequest, gateway.KindToolRejected, gateway.KindConfigError:
		return http.StatusBadRequest
	case gateway.KindPermissionDenied, gateway.KindPolicyViolation:
		return http.StatusForbidden
	case gateway.KindNotFound, gateway.KindSecretNotFound:
		return http.StatusNotFound
	case gateway.KindSecretLocked:
		return http.StatusLocked
	case gateway.KindCryptoError:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
