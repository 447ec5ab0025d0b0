package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/org/agentguard/internal/approval"
	"github.com/org/agentguard/internal/audit"
	"github.com/org/agentguard/internal/auth"
	"github.com/org/agentguard/internal/gateway"
	"github.com/org/agentguard/internal/notify"
	"github.com/org/agentguard/internal/permission"
	"github.com/org/agentguard/internal/policy"
	"github.com/org/agentguard/internal/storage"
	"github.com/org/agentguard/internal/tools"
	"github.com/org/agentguard/internal/vault"
	"github.com/org/agentguard/internal/web"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

const (
	operatorToken = "agt_operator-test-token"
	userToken     = "agt_user-test-token"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := zerolog.Nop()

	db, err := storage.NewSQLiteBackend(ctx, filepath.Join(dir, "gateway.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	engine, err := policy.NewEngine(policy.Config{AllowedHosts: []string{"api.github.com"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	v := vault.New(&vault.FileBackend{Path: filepath.Join(dir, "secrets.enc.json")}, logger)
	perms := permission.NewStore(db)
	gate, err := approval.NewGate(perms, approval.Config{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	hub := notify.NewHub(logger)
	gw := gateway.New(gateway.Deps{
		Vault:       v,
		Master:      &vault.MasterPassword{Path: filepath.Join(dir, "master.json")},
		Permissions: perms,
		Gate:        gate,
		Web:         web.NewRequester(web.Config{}, engine, v, nil, logger),
		Tools:       tools.NewExecutor(tools.Config{}, logger),
		Audit:       audit.NewLogger(db, logger),
		Notifier:    notify.NewMulti(logger, hub),
		Logger:      logger,
	})

	registry, err := auth.NewRegistry([]auth.Binding{
		{ID: "op", Role: models.RoleOperator, TokenSHA256: auth.HashToken(operatorToken)},
		{ID: "u1", Role: models.RoleUser, TokenSHA256: auth.HashToken(userToken)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(gw, registry, hub, cfg, logger)
}

func callOp(t *testing.T, handler http.Handler, token, op string, payload any) (*httptest.ResponseRecorder, opResponseBody) {
	t.Helper()
	data, _ := json.Marshal(map[string]any{"op": op, "payload": payload})
	req := httptest.NewRequest("POST", "/v1/op", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Gateway-Token", token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body opResponseBody
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return w, body
}

type opResponseBody struct {
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result"`
	Error  *opError       `json:"error"`
}

func getPath(handler http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("X-Gateway-Token", token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t, Config{}).BuildRouter()

	w := getPath(handler, "/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body) //nolint:errcheck
	if body["unlocked"] != false {
		t.Errorf("expected unlocked=false, got %v", body["unlocked"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestOpRequiresToken(t *testing.T) {
	handler := newTestServer(t, Config{}).BuildRouter()

	w, body := callOp(t, handler, "", "secrets.status", nil)
	if w.Code != http.StatusUnauthorized || body.OK {
		t.Fatalf("expected 401, got %d %+v", w.Code, body)
	}
	w, _ = callOp(t, handler, "agt_wrong", "secrets.status", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", w.Code)
	}
}

func TestUnlockAndStatus(t *testing.T) {
	handler := newTestServer(t, Config{}).BuildRouter()

	w, body := callOp(t, handler, operatorToken, "secrets.unlock", map[string]any{"master_password": "hunter2"})
	if w.Code != http.StatusOK || body.Result["ok"] != true {
		t.Fatalf("unlock failed: %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Error("response echoes the master password")
	}
	_, body = callOp(t, handler, userToken, "secrets.status", nil)
	if body.Result["unlocked"] != true || body.Result["enrolled"] != true {
		t.Errorf("status = %v", body.Result)
	}
}

func TestErrorKinds(t *testing.T) {
	handler := newTestServer(t, Config{}).BuildRouter()

	cases := []struct {
		name    string
		token   string
		op      string
		payload any
		code    int
		kind    string
	}{
		{"unknown op", userToken, "nope", nil, http.StatusBadRequest, gateway.KindBadRequest},
		{"operator only", userToken, "secrets.get_secret", map[string]any{"handle": "github"}, http.StatusForbidden, gateway.KindPermissionDenied},
		{"locked", operatorToken, "secrets.get_secret", map[string]any{"handle": "github"}, http.StatusLocked, gateway.KindSecretLocked},
		{"policy", userToken, "web.request", map[string]any{"scheme": "https", "host": "127.0.0.1", "path": "/"}, http.StatusForbidden, gateway.KindPolicyViolation},
		{"shell", userToken, "tools.exec", map[string]any{"argv": []string{"ls", "|", "sh"}}, http.StatusBadRequest, gateway.KindToolRejected},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w, body := callOp(t, handler, c.token, c.op, c.payload)
			if w.Code != c.code {
				t.Errorf("code = %d, want %d (%s)", w.Code, c.code, w.Body.String())
			}
			if body.OK || body.Error == nil || body.Error.Kind != c.kind {
				t.Errorf("body = %s, want kind %s", w.Body.String(), c.kind)
			}
		})
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	handler := newTestServer(t, Config{}).BuildRouter()

	_, body := callOp(t, handler, userToken, "policy.request_permission", map[string]any{
		"resource_type":  models.ResourceTool,
		"resource_value": "git",
	})
	id, _ := body.Result["approval_id"].(string)
	if id == "" {
		t.Fatalf("no approval id: %+v", body)
	}

	_, body = callOp(t, handler, operatorToken, "approvals.list", nil)
	pending, _ := body.Result["pending"].([]any)
	if len(pending) != 1 {
		t.Fatalf("pending = %v", body.Result)
	}

	_, body = callOp(t, handler, operatorToken, "policy.apply_callback", map[string]any{
		"approval_id": id, "action": models.ActionAlwaysAllow,
	})
	if body.Result["status"] != approval.StatusAllowed {
		t.Fatalf("callback = %+v", body)
	}

	_, body = callOp(t, handler, userToken, "policy.get_decision", map[string]any{
		"resource_type": models.ResourceTool, "resource_value": "git",
	})
	if body.Result["decision"] != string(models.DecisionAllow) {
		t.Errorf("decision = %v", body.Result)
	}

	// A repeated press on the same button is harmless.
	_, body = callOp(t, handler, operatorToken, "policy.apply_callback", map[string]any{
		"approval_id": id, "action": models.ActionDeny,
	})
	if body.Result["status"] != approval.StatusNotFound {
		t.Errorf("second callback = %+v", body)
	}
}

func TestEventsRequireOperator(t *testing.T) {
	handler := newTestServer(t, Config{}).BuildRouter()

	w := getPath(handler, "/v1/events", userToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for user, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(t, Config{}).BuildRouter()
	callOp(t, handler, userToken, "policy.request_permission", map[string]any{
		"resource_type": models.ResourceDomain, "resource_value": "api.github.com",
	})

	w := getPath(handler, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	out := w.Body.String()
	for _, want := range []string{
		"agentguard_pending_approvals 1",
		"agentguard_vault_unlocked 0",
		`agentguard_operations_total{op="policy.request_permission",result="ok"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	handler := newTestServer(t, Config{RateLimit: 1, RateBurst: 2}).BuildRouter()

	var last int
	for i := 0; i < 3; i++ {
		last = getPath(handler, "/v1/health", "").Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", last)
	}
}
