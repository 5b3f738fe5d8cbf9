package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"aegis/internal/keyring"
)

func newTestEngine(t *testing.T, clock *time.Time) (*Engine, *keyring.Keyring) {
	t.Helper()
	keys, err := keyring.New(keyring.Config{
		VerifyWindow: time.Hour,
		Clock:        func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	engine, err := New(keys, Config{
		Issuer:    "https://idp.test",
		AccessTTL: 15 * time.Minute,
		Clock:     func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, keys
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, &clock)

	signed, issued, err := engine.Issue("user-1", KindAccess, []string{"openid", "profile"}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.ID == "" {
		t.Fatal("expected a token id")
	}

	claims, err := engine.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if claims.Kind != KindAccess {
		t.Fatalf("kind = %q, want access", claims.Kind)
	}
	if len(claims.Scope) != 2 || claims.Scope[0] != "openid" {
		t.Fatalf("scope = %v", claims.Scope)
	}
	if claims.ID != issued.ID {
		t.Fatalf("jti = %q, want %q", claims.ID, issued.ID)
	}
}

func TestVerifyFailsAfterExpiry(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, &clock)

	signed, _, err := engine.Issue("user-1", KindAccess, nil, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock = clock.Add(16 * time.Minute)
	if _, err := engine.Verify(signed); !errors.Is(err, ErrExpired) {
		t.Fatalf("verify after expiry = %v, want ErrExpired", err)
	}
}

func TestVerifySurvivesRotationUntilWindowCloses(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine, keys := newTestEngine(t, &clock)

	signed, _, err := engine.Issue("user-1", KindAccess, nil, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := keys.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Inside the superseded key's window the old token still verifies.
	clock = clock.Add(5 * time.Minute)
	if _, err := engine.Verify(signed); err != nil {
		t.Fatalf("verify under superseded key: %v", err)
	}

	// A token minted now uses the new key and verifies too.
	fresh, _, err := engine.Issue("user-2", KindAccess, nil, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := engine.Verify(fresh); err != nil {
		t.Fatalf("verify fresh token: %v", err)
	}
}

func TestVerifyFailsUnknownKeyAfterWindowCloses(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	keys, err := keyring.New(keyring.Config{
		VerifyWindow: time.Minute,
		Clock:        func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	engine, err := New(keys, Config{
		Issuer:     "https://idp.test",
		RefreshTTL: 24 * time.Hour,
		Clock:      func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	signed, _, err := engine.Issue("user-1", KindRefresh, nil, "chain-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := keys.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := engine.Verify(signed); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("verify past key window = %v, want ErrUnknownKey", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, &clock)

	signed, _, err := engine.Issue("user-1", KindAccess, nil, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := engine.Verify(tampered); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("verify tampered = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifyRejectsForeignIssuerAndAudience(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	keys, err := keyring.New(keyring.Config{Clock: func() time.Time { return clock }})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	mint := func(issuer, audience string) string {
		e, err := New(keys, Config{
			Issuer:   issuer,
			Audience: audience,
			Clock:    func() time.Time { return clock },
		})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		signed, _, err := e.Issue("user-1", KindAccess, nil, "")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return signed
	}

	verifier, err := New(keys, Config{
		Issuer:   "https://idp.test",
		Audience: "https://idp.test",
		Clock:    func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if _, err := verifier.Verify(mint("https://other.test", "https://idp.test")); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("foreign issuer = %v, want ErrIssuerMismatch", err)
	}
	if _, err := verifier.Verify(mint("https://idp.test", "https://other.test")); !errors.Is(err, ErrAudienceMismatch) {
		t.Fatalf("foreign audience = %v, want ErrAudienceMismatch", err)
	}
}

func TestIssueRefreshRequiresChainID(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, &clock)
	if _, _, err := engine.Issue("user-1", KindRefresh, nil, ""); err == nil {
		t.Fatal("expected refresh issuance without chain id to fail")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, &clock)
	if _, err := engine.Verify("not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("verify garbage = %v, want ErrMalformed", err)
	}
}
