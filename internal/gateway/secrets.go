package gateway

import (
	"context"
	"errors"

	"github.com/org/agentguard/internal/crypto"
	"github.com/org/agentguard/pkg/models"
)

type emptyPayload struct{}

type unlockPayload struct {
	MasterPassword string `json:"master_password"`
}

type handlePayload struct {
	Handle string `json:"handle"`
}

type setSecretPayload struct {
	Handle string `json:"handle"`
	Value  string `json:"value"`
}

// unlock checks the master password verifier, enrolling it on first use,
// then decrypts the vault. A wrong password reports ok=false.
func (s *Service) unlock(ctx context.Context, caller models.Principal, p *unlockPayload) (any, error) {
	if err := requireOperator(caller, "secrets.unlock"); err != nil {
		return nil, err
	}
	if p.MasterPassword == "" {
		return nil, badRequest("master_password is required")
	}

	enroll := !s.master.Exists()
	if !enroll {
		ok, err := s.master.Verify(p.MasterPassword)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.record(ctx, caller.ID, "secrets.unlock", nil, "rejected", nil)
			return map[string]any{"ok": false}, nil
		}
	}

	if err := s.vault.Unlock(ctx, p.MasterPassword); err != nil {
		if errors.Is(err, crypto.ErrCrypto) && enroll {
			// No verifier yet and the envelope does not open: wrong password
			// for an existing vault, not corruption.
			s.record(ctx, caller.ID, "secrets.unlock", nil, "rejected", nil)
			return map[string]any{"ok": false}, nil
		}
		return nil, err
	}
	if enroll {
		if err := s.master.Enroll(p.MasterPassword); err != nil {
			s.vault.Lock()
			return nil, err
		}
		s.log.Info().Msg("master password enrolled")
	}
	s.record(ctx, caller.ID, "secrets.unlock", nil, "executed", nil)
	return map[string]any{"ok": true}, nil
}

func (s *Service) lock(ctx context.Context, caller models.Principal, _ *emptyPayload) (any, error) {
	if err := requireOperator(caller, "secrets.lock"); err != nil {
		return nil, err
	}
	s.vault.Lock()
	s.record(ctx, caller.ID, "secrets.lock", nil, "executed", nil)
	return map[string]any{"ok": true}, nil
}

func (s *Service) status(_ context.Context, _ models.Principal, _ *emptyPayload) (any, error) {
	return map[string]any{
		"unlocked": s.vault.IsUnlocked(),
		"enrolled": s.master.Exists(),
	}, nil
}

func (s *Service) setSecret(ctx context.Context, caller models.Principal, p *setSecretPayload) (any, error) {
	if err := requireOperator(caller, "secrets.set_secret"); err != nil {
		return nil, err
	}
	if err := s.vault.SetSecret(ctx, p.Handle, p.Value); err != nil {
		return nil, err
	}
	key := models.ResourceKey{Type: models.ResourceSecret, Value: p.Handle}
	s.record(ctx, caller.ID, "secrets.set_secret", &key, "executed", map[string]any{"bytes": len(p.Value)})
	return map[string]any{"status": "saved"}, nil
}

// getSecret returns a raw value and is limited to operators; agents use
// secrets only through handles injected at send time.
func (s *Service) getSecret(ctx context.Context, caller models.Principal, p *handlePayload) (any, error) {
	if err := requireOperator(caller, "secrets.get_secret"); err != nil {
		return nil, err
	}
	value, err := s.vault.GetSecret(p.Handle)
	if err != nil {
		return nil, err
	}
	key := models.ResourceKey{Type: models.ResourceSecret, Value: p.Handle}
	s.record(ctx, caller.ID, "secrets.get_secret", &key, "executed", nil)
	return map[string]any{"value": value}, nil
}

func (s *Service) ensureHandle(_ context.Context, _ models.Principal, p *handlePayload) (any, error) {
	ok, err := s.vault.EnsureHandle(p.Handle)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": ok}, nil
}

// listHandles names the stored secrets, never their values.
func (s *Service) listHandles(ctx context.Context, caller models.Principal, _ *emptyPayload) (any, error) {
	if err := requireOperator(caller, "secrets.list_handles"); err != nil {
		return nil, err
	}
	handles, err := s.vault.Handles()
	if err != nil {
		return nil, err
	}
	s.record(ctx, caller.ID, "secrets.list_handles", nil, "executed", map[string]any{"count": len(handles)})
	return map[string]any{"handles": handles}, nil
}
