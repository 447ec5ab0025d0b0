package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"github":"ghp_0123456789"}`),
		bytes.Repeat([]byte("long secret material "), 40), // spans several keystream blocks
	}
	for _, plaintext := range cases {
		env, err := Seal(plaintext, []byte("correct horse"))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		got, err := Open(env, []byte("correct horse"))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestSealProducesFreshSaltAndNonce(t *testing.T) {
	a, _ := Seal([]byte("same"), []byte("pw"))
	b, _ := Seal([]byte("same"), []byte("pw"))
	if a.Salt == b.Salt || a.Nonce == b.Nonce {
		t.Error("salt and nonce must be random per envelope")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Error("ciphertexts of equal plaintexts should differ")
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	env, _ := Seal([]byte("secret data"), []byte("right"))
	got, err := Open(env, []byte("wrong"))
	if !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto, got %v", err)
	}
	if got != nil {
		t.Error("no plaintext may be returned on failure")
	}
}

func TestOpenDetectsSingleByteFlip(t *testing.T) {
	env, _ := Seal([]byte("tamper target"), []byte("pw"))

	fields := map[string]*string{
		"ciphertext": &env.Ciphertext,
		"nonce":      &env.Nonce,
		"salt":       &env.Salt,
		"tag":        &env.Tag,
	}
	for name, field := range fields {
		orig := *field
		raw, _ := hex.DecodeString(orig)
		for i := range raw {
			flipped := append([]byte(nil), raw...)
			flipped[i] ^= 0x01
			*field = hex.EncodeToString(flipped)
			if got, err := Open(env, []byte("pw")); !errors.Is(err, ErrCrypto) || got != nil {
				t.Fatalf("%s byte %d flip not detected (err=%v)", name, i, err)
			}
		}
		*field = orig
	}
}

func TestOpenRejectsMalformedEnvelope(t *testing.T) {
	env, _ := Seal([]byte("x"), []byte("pw"))

	bad := *env
	bad.Version = 99
	if _, err := Open(&bad, []byte("pw")); !errors.Is(err, ErrCrypto) {
		t.Errorf("unknown version: expected ErrCrypto, got %v", err)
	}

	bad = *env
	bad.Tag = "zz"
	if _, err := Open(&bad, []byte("pw")); !errors.Is(err, ErrCrypto) {
		t.Errorf("bad hex: expected ErrCrypto, got %v", err)
	}

	if _, err := Open(nil, []byte("pw")); !errors.Is(err, ErrCrypto) {
		t.Errorf("nil envelope: expected ErrCrypto, got %v", err)
	}
}

func TestKeystreamIsDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{1}, keySize)
	nonce := bytes.Repeat([]byte{2}, nonceSize)
	data := bytes.Repeat([]byte{0}, 70)

	a := xorKeystream(key, nonce, data)
	b := xorKeystream(key, nonce, data)
	if !bytes.Equal(a, b) {
		t.Fatal("keystream must be deterministic for equal key and nonce")
	}
	// blocks 0, 1 and 2 must differ
	if bytes.Equal(a[:32], a[32:64]) {
		t.Error("successive keystream blocks should differ")
	}
	if !bytes.Equal(xorKeystream(key, nonce, a), data) {
		t.Error("xor with the same keystream must restore the input")
	}
}

func TestVerifier(t *testing.T) {
	v, err := NewVerifier([]byte("master"))
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	if !v.Matches([]byte("master")) {
		t.Error("expected verifier to match the enrolled password")
	}
	if v.Matches([]byte("Master")) {
		t.Error("verifier must not match a different password")
	}
	if bytes.Contains([]byte(v.Digest+v.Salt), []byte("master")) {
		t.Error("verifier must not contain the password")
	}

	v2, _ := NewVerifier([]byte("master"))
	if v.Digest == v2.Digest {
		t.Error("verifiers for the same password should be salted differently")
	}
}
