// Package web performs outbound HTTPS calls on behalf of a principal with
// secrets injected only at send time.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/org/agentguard/internal/audit"
	"github.com/org/agentguard/internal/policy"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

// ConfigError reports a request the configuration does not permit, such as a
// secret handle used against a host it is not bound to.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// SecretSource resolves a secret handle to its live value.
type SecretSource interface {
	GetSecret(handle string) (string, error)
}

// Config controls header filtering, secret binding and size limits.
type Config struct {
	AllowedHeaders        []string
	SafeSecretHeaders     []string
	SecretHandles         map[string][]string
	MaxURLLength          int
	MaxBodyBytes          int
	MaxResponseBytes      int64
	Timeout               time.Duration
	RequireDomainApproval bool
}

// Request is the caller-supplied description of an outbound call. It never
// carries secret values, only handles.
type Request struct {
	Method        string            `json:"method"`
	Scheme        string            `json:"scheme"`
	Host          string            `json:"host"`
	Path          string            `json:"path"`
	Query         map[string]string `json:"query,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	SecretHeaders map[string]string `json:"secret_headers,omitempty"`
	AuthHandle    string            `json:"auth_handle,omitempty"`
	Body          any               `json:"body,omitempty"`
}

// Plan is a validated request ready to send.
type Plan struct {
	Method        string
	Host          string
	Path          string
	URL           *url.URL
	Headers       http.Header
	SecretHeaders map[string]string // canonical header name -> handle
	Body          []byte
	ContentType   string
	NeedsApproval bool
}

// Resource is the domain key the plan is authorized against.
func (p *Plan) Resource() models.ResourceKey {
	return models.ResourceKey{Type: models.ResourceDomain, Value: p.Host}
}

// Summary is the human-facing, secret-free description of the plan.
func (p *Plan) Summary() map[string]any {
	names := make([]string, 0, len(p.SecretHeaders))
	for name := range p.SecretHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{
		"method":         p.Method,
		"host":           p.Host,
		"path":           p.Path,
		"body":           audit.Digest(p.Body),
		"secret_headers": names,
	}
}

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodOptions: true,
}

// Requester validates and sends outbound calls.
type Requester struct {
	cfg         Config
	engine      *policy.Engine
	secrets     SecretSource
	client      *http.Client
	allowed     map[string]bool
	safeSecret  map[string]bool
	handleHosts map[string]map[string]bool
	log         zerolog.Logger
}

// NewRequester builds a Requester. A nil transport installs one whose dialer
// connects only to addresses the engine has validated.
func NewRequester(cfg Config, engine *policy.Engine, secrets SecretSource, transport http.RoundTripper, logger zerolog.Logger) *Requester {
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = 2048
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 5 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if transport == nil {
		transport = NewSafeTransport(engine)
	}

	r := &Requester{
		cfg:     cfg,
		engine:  engine,
		secrets: secrets,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		allowed:     lowerSet(cfg.AllowedHeaders),
		safeSecret:  lowerSet(cfg.SafeSecretHeaders),
		handleHosts: map[string]map[string]bool{},
		log:         logger.With().Str("component", "web").Logger(),
	}
	for handle, hosts := range cfg.SecretHandles {
		r.handleHosts[handle] = lowerSet(hosts)
	}
	return r
}

// Prepare validates req without touching the vault or the network.
func (r *Requester) Prepare(ctx context.Context, req *Request) (*Plan, error) {
	if !strings.EqualFold(req.Scheme, "https") {
		return nil, &policy.Violation{Host: req.Host, Reason: "scheme must be https"}
	}
	host := strings.TrimSuffix(strings.ToLower(req.Host), ".")
	path := req.Path
	if path == "" {
		path = "/"
	}
	if _, err := r.engine.ValidateRequest(ctx, host, path, false); err != nil {
		return nil, err
	}

	if policy.ContainsPlaceholder(path) {
		return nil, &policy.Violation{Host: host, Reason: "path contains an unresolved placeholder"}
	}
	query := url.Values{}
	for k, v := range req.Query {
		if policy.ContainsPlaceholder(k) || policy.ContainsPlaceholder(v) {
			return nil, &policy.Violation{Host: host, Reason: "query contains an unresolved placeholder"}
		}
		query.Set(k, v)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, configErrorf("method %q is not allowed", req.Method)
	}

	headers := http.Header{}
	for name, value := range req.Headers {
		lower := strings.ToLower(name)
		if lower == "authorization" {
			return nil, configErrorf("authorization must be supplied through secret_headers or auth_handle")
		}
		if !r.allowed[lower] {
			continue
		}
		if policy.ContainsPlaceholder(value) {
			return nil, &policy.Violation{Host: host, Reason: "header contains an unresolved placeholder"}
		}
		headers.Set(name, value)
	}

	secretHeaders := map[string]string{}
	for name, handle := range req.SecretHeaders {
		secretHeaders[http.CanonicalHeaderKey(name)] = handle
	}
	if req.AuthHandle != "" {
		if _, dup := secretHeaders["Authorization"]; dup {
			return nil, configErrorf("auth_handle conflicts with an authorization secret header")
		}
		secretHeaders["Authorization"] = req.AuthHandle
	}
	needsApproval := r.cfg.RequireDomainApproval
	for name, handle := range secretHeaders {
		if !r.handleAllows(handle, host) {
			return nil, configErrorf("secret handle %q is not configured for host %s", handle, host)
		}
		needsApproval = true
		if !r.safeSecret[strings.ToLower(name)] {
			r.log.Warn().Str("header", name).Str("host", host).Msg("secret in non-standard header")
		}
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	if len(body) > r.cfg.MaxBodyBytes {
		return nil, configErrorf("body of %d bytes exceeds limit of %d", len(body), r.cfg.MaxBodyBytes)
	}

	u := &url.URL{Scheme: "https", Host: host, Path: path, RawQuery: query.Encode()}
	if len(u.String()) > r.cfg.MaxURLLength {
		return nil, configErrorf("url exceeds %d characters", r.cfg.MaxURLLength)
	}
	if policy.ContainsPlaceholder(u.String()) {
		return nil, &policy.Violation{Host: host, Reason: "url contains an unresolved placeholder"}
	}

	return &Plan{
		Method:        method,
		Host:          host,
		Path:          path,
		URL:           u,
		Headers:       headers,
		SecretHeaders: secretHeaders,
		Body:          body,
		ContentType:   contentType,
		NeedsApproval: needsApproval,
	}, nil
}

// Send resolves the plan's secrets and performs the call. Upstream 4xx and
// 5xx responses are returned, not raised. A 3xx is followed at most once and
// only after its target passes the redirect checks.
func (r *Requester) Send(ctx context.Context, plan *Plan) (*models.WebResponse, error) {
	resp, err := r.roundTrip(ctx, plan.Method, plan.URL, plan.Host, plan.Headers, plan.SecretHeaders, plan.Body, plan.ContentType)
	if err != nil {
		return nil, err
	}
	if !isRedirect(resp.StatusCode) || !r.engine.AllowRedirects() {
		return r.readResponse(resp)
	}

	location := resp.Header.Get("Location")
	resp.Body.Close()
	if location == "" {
		return nil, fmt.Errorf("redirect %d without Location", resp.StatusCode)
	}
	target, err := plan.URL.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect location: %w", err)
	}
	next, err := r.redirectTarget(ctx, target)
	if err != nil {
		return nil, err
	}

	method, body, contentType := plan.Method, plan.Body, plan.ContentType
	if resp.StatusCode != http.StatusTemporaryRedirect && resp.StatusCode != http.StatusPermanentRedirect &&
		method != http.MethodGet && method != http.MethodHead {
		method, body, contentType = http.MethodGet, nil, ""
	}

	// Secrets follow the redirect only to hosts their handle is bound to.
	carried := map[string]string{}
	for name, handle := range plan.SecretHeaders {
		if r.handleAllows(handle, next.Hostname()) {
			carried[name] = handle
		}
	}
	r.log.Info().Str("from", plan.Host).Str("to", next.Hostname()).Msg("following validated redirect")

	resp, err = r.roundTrip(ctx, method, next, next.Hostname(), plan.Headers, carried, body, contentType)
	if err != nil {
		return nil, err
	}
	return r.readResponse(resp)
}

// Ready reports whether every secret the plan needs can be resolved now,
// without keeping the values. A locked vault or a missing handle surfaces
// here, before a one-time grant is redeemed for the call.
func (r *Requester) Ready(plan *Plan) error {
	for _, handle := range plan.SecretHeaders {
		if _, err := r.secrets.GetSecret(handle); err != nil {
			return err
		}
	}
	return nil
}

func (r *Requester) redirectTarget(ctx context.Context, target *url.URL) (*url.URL, error) {
	host := strings.ToLower(target.Hostname())
	if target.Scheme != "https" {
		return nil, &policy.Violation{Host: host, Reason: "redirect scheme must be https"}
	}
	if target.Port() != "" && target.Port() != "443" {
		return nil, &policy.Violation{Host: host, Reason: "redirect to non-standard port"}
	}
	if _, err := r.engine.ValidateRedirectTarget(ctx, host); err != nil {
		return nil, err
	}
	if policy.ContainsPlaceholder(target.String()) {
		return nil, &policy.Violation{Host: host, Reason: "redirect contains an unresolved placeholder"}
	}
	if len(target.String()) > r.cfg.MaxURLLength {
		return nil, configErrorf("redirect url exceeds %d characters", r.cfg.MaxURLLength)
	}
	return &url.URL{Scheme: "https", Host: host, Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery}, nil
}

func (r *Requester) roundTrip(ctx context.Context, method string, u *url.URL, host string, headers http.Header,
	secretHeaders map[string]string, body []byte, contentType string) (*http.Response, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header = headers.Clone()
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for name, handle := range secretHeaders {
		value, err := r.secrets.GetSecret(handle)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set(name, headerValue(name, value))
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		// The error text may embed the URL; it never contains header values.
		return nil, fmt.Errorf("request to %s failed: %w", host, err)
	}
	r.log.Info().Str("method", method).Str("host", host).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Interface("body", audit.Digest(body)).Msg("upstream call")
	return resp, nil
}

// headerValue formats Authorization secrets as bearer credentials unless the
// stored value already names a scheme.
func headerValue(name, value string) string {
	if name == "Authorization" && !strings.Contains(value, " ") {
		return "Bearer " + value
	}
	return value
}

func (r *Requester) readResponse(resp *http.Response) (*models.WebResponse, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	truncated := int64(len(data)) > r.cfg.MaxResponseBytes
	if truncated {
		data = data[:r.cfg.MaxResponseBytes]
	}
	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = strings.Join(values, ", ")
	}
	return &models.WebResponse{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      string(data),
		ByteCount: len(data),
		Truncated: truncated,
	}, nil
}

func (r *Requester) handleAllows(handle, host string) bool {
	hosts, ok := r.handleHosts[handle]
	return ok && hosts[strings.ToLower(host)]
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case map[string]any:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", configErrorf("encoding json body: %v", err)
		}
		return data, "application/json", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	case []byte:
		return b, "application/octet-stream", nil
	default:
		return nil, "", configErrorf("unsupported body type %T", body)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func lowerSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[strings.TrimSuffix(strings.ToLower(s), ".")] = true
	}
	return out
}

// NewSafeTransport returns a transport whose dialer resolves and checks the
// host again at connect time and dials only the validated addresses.
// Environment proxies are ignored.
func NewSafeTransport(engine *policy.Engine) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           safeDialContext(engine, dialer),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func safeDialContext(engine *policy.Engine, dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := engine.ResolvePublic(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
