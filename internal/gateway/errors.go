package gateway

import (
	"errors"
	"fmt"

	"github.com/org/agentguard/internal/crypto"
	"github.com/org/agentguard/internal/permission"
	"github.com/org/agentguard/internal/policy"
	"github.com/org/agentguard/internal/tools"
	"github.com/org/agentguard/internal/vault"
	"github.com/org/agentguard/internal/web"
)

// Error kinds reported to callers.
const (
	KindPolicyViolation  = "policy_violation"
	KindPermissionDenied = "permission_denied"
	KindSecretLocked     = "secret_locked"
	KindSecretNotFound   = "secret_not_found"
	KindCryptoError      = "crypto_error"
	KindToolRejected     = "tool_rejected"
	KindConfigError      = "config_error"
	KindBadRequest       = "bad_request"
	KindNotFound         = "not_found"
	KindInternal         = "internal"
)

// RequestError is a caller mistake detected by the gateway itself.
type RequestError struct {
	Kind string
	Msg  string
}

func (e *RequestError) Error() string { return e.Msg }

func badRequest(format string, args ...any) error {
	return &RequestError{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) error {
	return &RequestError{Kind: KindPermissionDenied, Msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &RequestError{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an operation error to its reported kind.
func Classify(err error) string {
	var (
		reqErr    *RequestError
		violation *policy.Violation
		denied    *permission.DeniedError
		notFound  *vault.NotFoundError
		execErr   *tools.ExecError
		cfgErr    *web.ConfigError
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Kind
	case errors.As(err, &violation):
		return KindPolicyViolation
	case errors.As(err, &denied):
		return KindPermissionDenied
	case errors.Is(err, vault.ErrLocked):
		return KindSecretLocked
	case errors.As(err, &notFound):
		return KindSecretNotFound
	case errors.Is(err, crypto.ErrCrypto):
		return KindCryptoError
	case errors.As(err, &execErr):
		return KindToolRejected
	case errors.As(err, &cfgErr):
		return KindConfigError
	}
	return KindInternal
}
