package session

import (
	"context"
	"testing"
	"time"

	"aegis/internal/audit"
	"aegis/internal/keyring"
	apperrors "aegis/internal/platform/errors"
	"aegis/internal/storage/memory"
	"aegis/internal/token"
)

func newTestRegistry(t *testing.T, clock func() time.Time) (*Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	keys, err := keyring.New(keyring.Config{Clock: clock})
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	engine, err := token.New(keys, token.Config{Issuer: "https://idp.test", Clock: clock})
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	registry, err := New(store, engine, audit.NewEmitter(store).WithClock(clock), Config{Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return registry, store
}

func TestRegisterAndRotate(t *testing.T) {
	ctx := context.Background()
	registry, store := newTestRegistry(t, time.Now)

	pair, err := registry.Register(ctx, "subject-1", []string{"profile"}, "fp-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	rotated, err := registry.Rotate(ctx, pair.RefreshToken, "fp-1")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.ChainID != pair.ChainID {
		t.Fatalf("chain = %q, want %q", rotated.ChainID, pair.ChainID)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}

	session, err := store.GetSessionByChain(ctx, pair.ChainID)
	if err != nil {
		t.Fatalf("GetSessionByChain: %v", err)
	}
	claims, err := registry.CheckActive(ctx, rotated.AccessToken)
	if err != nil {
		t.Fatalf("CheckActive: %v", err)
	}
	if claims.Subject != "subject-1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if session.RevokedAt != nil {
		t.Fatal("session must stay active after rotation")
	}
}

func TestRetiredRefreshTokenRevokesChain(t *testing.T) {
	ctx := context.Background()
	registry, store := newTestRegistry(t, time.Now)

	pair, err := registry.Register(ctx, "subject-1", nil, "fp-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	rotated, err := registry.Rotate(ctx, pair.RefreshToken, "fp-1")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Redeeming the retired token condemns the whole chain.
	if _, err := registry.Rotate(ctx, pair.RefreshToken, "fp-1"); !apperrors.IsCode(err, apperrors.CodeChainReused) {
		t.Fatalf("retired redeem: got %v, want chain reused", err)
	}

	// The legitimately held descendant token is dead too.
	if _, err := registry.Rotate(ctx, rotated.RefreshToken, "fp-1"); !apperrors.IsCode(err, apperrors.CodeSessionRevoked) {
		t.Fatalf("descendant redeem: got %v, want session revoked", err)
	}
	if _, err := registry.CheckActive(ctx, rotated.AccessToken); !apperrors.IsCode(err, apperrors.CodeSessionRevoked) {
		t.Fatalf("descendant access: got %v, want session revoked", err)
	}

	events := store.AuditEvents()
	var sawReuse, sawRevoked bool
	for _, evt := range events {
		switch evt.Kind {
		case audit.KindChainReused:
			sawReuse = true
		case audit.KindChainRevoked:
			sawRevoked = true
		}
	}
	if !sawReuse || !sawRevoked {
		t.Fatalf("expected reuse and revocation audit events, got %v", events)
	}
}

func TestFingerprintMismatchRevokesChain(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, time.Now)

	pair, err := registry.Register(ctx, "subject-1", nil, "fp-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := registry.Rotate(ctx, pair.RefreshToken, "fp-other"); !apperrors.IsCode(err, apperrors.CodeChainReused) {
		t.Fatalf("mismatched fingerprint: got %v, want chain reused", err)
	}
	if _, err := registry.Rotate(ctx, pair.RefreshToken, "fp-1"); !apperrors.IsCode(err, apperrors.CodeSessionRevoked) {
		t.Fatalf("after revocation: got %v, want session revoked", err)
	}
}

func TestRevokeAllForSubject(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, time.Now)

	first, err := registry.Register(ctx, "subject-1", nil, "fp-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := registry.Register(ctx, "subject-1", nil, "fp-2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.RevokeAllForSubject(ctx, "subject-1"); err != nil {
		t.Fatalf("RevokeAllForSubject: %v", err)
	}

	for _, tok := range []string{first.AccessToken, second.AccessToken} {
		if _, err := registry.CheckActive(ctx, tok); !apperrors.IsCode(err, apperrors.CodeSessionRevoked) {
			t.Fatalf("revoked access: got %v, want session revoked", err)
		}
	}
}

func TestRotateUnknownChain(t *testing.T) {
	ctx := context.Background()
	registry, store := newTestRegistry(t, time.Now)

	pair, err := registry.Register(ctx, "subject-1", nil, "fp-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := store.GetSessionByChain(ctx, pair.ChainID)
	if err != nil {
		t.Fatalf("GetSessionByChain: %v", err)
	}
	if err := store.RevokeSession(ctx, session.ID, time.Now()); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := registry.Rotate(ctx, pair.RefreshToken, "fp-1"); !apperrors.IsCode(err, apperrors.CodeSessionRevoked) {
		t.Fatalf("revoked session: got %v, want session revoked", err)
	}
}

func TestRotateRejectsAccessToken(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, time.Now)

	pair, err := registry.Register(ctx, "subject-1", nil, "fp-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := registry.Rotate(ctx, pair.AccessToken, "fp-1"); !apperrors.IsCode(err, apperrors.CodeTokenMalformed) {
		t.Fatalf("access as refresh: got %v, want malformed", err)
	}
}
