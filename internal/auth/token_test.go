package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/org/agentguard/pkg/models"
)

func TestRegistryAuthenticate(t *testing.T) {
	userTok, userHash, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	opTok, opHash, _ := GenerateToken()
	if !strings.HasPrefix(userTok, tokenPrefix) || userTok == opTok {
		t.Fatalf("unexpected tokens %q %q", userTok, opTok)
	}

	r, err := NewRegistry([]Binding{
		{ID: "u1", Role: models.RoleUser, TokenSHA256: userHash},
		{ID: "ops", Role: models.RoleOperator, TokenSHA256: opHash},
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := r.Authenticate(userTok)
	if err != nil || p.ID != "u1" || p.IsOperator() {
		t.Errorf("user = %+v, %v", p, err)
	}
	p, err = r.Authenticate(opTok)
	if err != nil || p.ID != "ops" || !p.IsOperator() {
		t.Errorf("operator = %+v, %v", p, err)
	}
	for _, bad := range []string{"", "agt_nope", userHash} {
		if _, err := r.Authenticate(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Authenticate(%q) = %v", bad, err)
		}
	}
}

func TestNewRegistryValidates(t *testing.T) {
	_, hash, _ := GenerateToken()
	cases := [][]Binding{
		{{ID: "", Role: models.RoleUser, TokenSHA256: hash}},
		{{ID: "a", Role: "admin", TokenSHA256: hash}},
		{{ID: "a", Role: models.RoleUser, TokenSHA256: "xyz"}},
		{{ID: "a", Role: models.RoleUser, TokenSHA256: hash}, {ID: "a", Role: models.RoleUser, TokenSHA256: hash}},
	}
	for i, c := range cases {
		if _, err := NewRegistry(c); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Error("unexpected hash")
	}
}
