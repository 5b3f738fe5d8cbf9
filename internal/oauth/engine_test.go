package oauth

import (
	"context"
	"testing"
	"time"

	"aegis/internal/audit"
	"aegis/internal/keyring"
	apperrors "aegis/internal/platform/errors"
	"aegis/internal/session"
	"aegis/internal/storage/memory"
	"aegis/internal/token"
)

const (
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *time.Time) {
	t.Helper()
	store := memory.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := now
	clock := func() time.Time { return current }

	keys, err := keyring.New(keyring.Config{Clock: clock})
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	engine, err := token.New(keys, token.Config{Issuer: "https://idp.test", Clock: clock})
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	registry, err := session.New(store, engine, audit.NewEmitter(store).WithClock(clock), session.Config{Clock: clock})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	oauthEngine, err := New(Config{
		Issuer: "https://idp.test",
		Clients: []Client{{
			ID:           "app-1",
			RedirectURIs: []string{"https://app.test/callback"},
		}},
	}, store, registry, audit.NewEmitter(store).WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return oauthEngine.WithClock(clock), store, &current
}

func validRequest() AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            "app-1",
		RedirectURI:         "https://app.test/callback",
		Scope:               "openid profile",
		State:               "xyz",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	}
}

func issueCode(t *testing.T, engine *Engine, pendingID, subject string) Grant {
	t.Helper()
	ctx := context.Background()
	if err := engine.BindSubject(ctx, pendingID, subject); err != nil {
		t.Fatalf("BindSubject: %v", err)
	}
	grant, err := engine.IssueCode(ctx, pendingID)
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	return grant
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	pending, err := engine.Authorize(ctx, validRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	grant := issueCode(t, engine, pending.ID, "subject-1")
	if grant.RedirectURI != "https://app.test/callback" {
		t.Fatalf("redirect = %q", grant.RedirectURI)
	}
	if grant.State != "xyz" {
		t.Fatalf("state = %q", grant.State)
	}

	pair, err := engine.Redeem(ctx, TokenRequest{
		Code:         grant.Code,
		ClientID:     "app-1",
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: testVerifier,
		Fingerprint:  "fp-1",
	})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}
	if got := pair.Scope; len(got) != 2 || got[0] != "openid" || got[1] != "profile" {
		t.Fatalf("scope = %v", got)
	}

	// Refresh via the engine rotates the chain.
	rotated, err := engine.Refresh(ctx, pair.RefreshToken, "fp-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
}

func TestAuthorizeValidation(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	tests := []struct {
		name    string
		mutate  func(*AuthorizationRequest)
		wantErr apperrors.Code
	}{
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "ghost" }, apperrors.CodeOAuthInvalidClient},
		{"unregistered redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.test/cb" }, apperrors.CodeOAuthInvalidClient},
		{"missing redirect", func(r *AuthorizationRequest) { r.RedirectURI = "" }, apperrors.CodeOAuthInvalidClient},
		{"wrong response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, apperrors.CodeOAuthInvalidRequest},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }, apperrors.CodeOAuthInvalidRequest},
		{"plain method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, apperrors.CodeOAuthInvalidRequest},
		{"malformed challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "short" }, apperrors.CodeOAuthInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			request := validRequest()
			tc.mutate(&request)
			if _, err := engine.Authorize(ctx, request); !apperrors.IsCode(err, tc.wantErr) {
				t.Fatalf("got %v, want code %s", err, tc.wantErr)
			}
		})
	}
}

func TestRedeemIsOneShot(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	pending, err := engine.Authorize(ctx, validRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	grant := issueCode(t, engine, pending.ID, "subject-1")

	request := TokenRequest{
		Code:         grant.Code,
		ClientID:     "app-1",
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: testVerifier,
	}
	if _, err := engine.Redeem(ctx, request); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if _, err := engine.Redeem(ctx, request); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidGrant) {
		t.Fatalf("second redeem: got %v, want invalid grant", err)
	}
}

func TestRedeemBurnsCodeOnVerifierMismatch(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	pending, err := engine.Authorize(ctx, validRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	grant := issueCode(t, engine, pending.ID, "subject-1")

	bad := TokenRequest{
		Code:         grant.Code,
		ClientID:     "app-1",
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier",
	}
	if _, err := engine.Redeem(ctx, bad); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidGrant) {
		t.Fatalf("mismatched verifier: got %v, want invalid grant", err)
	}

	// The failed attempt consumed the code; the right verifier is too late.
	good := bad
	good.CodeVerifier = testVerifier
	if _, err := engine.Redeem(ctx, good); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidGrant) {
		t.Fatalf("after burn: got %v, want invalid grant", err)
	}
}

func TestRedeemChecksBinding(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	issue := func(t *testing.T) Grant {
		t.Helper()
		pending, err := engine.Authorize(ctx, validRequest())
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		return issueCode(t, engine, pending.ID, "subject-1")
	}

	grant := issue(t)
	wrongClient := TokenRequest{Code: grant.Code, ClientID: "other", RedirectURI: "https://app.test/callback", CodeVerifier: testVerifier}
	if _, err := engine.Redeem(ctx, wrongClient); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidGrant) {
		t.Fatalf("wrong client: got %v, want invalid grant", err)
	}

	grant = issue(t)
	wrongRedirect := TokenRequest{Code: grant.Code, ClientID: "app-1", RedirectURI: "https://app.test/callback/extra", CodeVerifier: testVerifier}
	if _, err := engine.Redeem(ctx, wrongRedirect); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidGrant) {
		t.Fatalf("wrong redirect: got %v, want invalid grant", err)
	}
}

func TestRedeemExpiredCode(t *testing.T) {
	ctx := context.Background()
	engine, _, clock := newTestEngine(t)

	pending, err := engine.Authorize(ctx, validRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	grant := issueCode(t, engine, pending.ID, "subject-1")

	*clock = clock.Add(DefaultAuthorizationCodeTTL + time.Second)
	request := TokenRequest{
		Code:         grant.Code,
		ClientID:     "app-1",
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: testVerifier,
	}
	if _, err := engine.Redeem(ctx, request); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidGrant) {
		t.Fatalf("expired code: got %v, want invalid grant", err)
	}
}

func TestIssueCodeDeletesPending(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	pending, err := engine.Authorize(ctx, validRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	issueCode(t, engine, pending.ID, "subject-1")
	if _, err := engine.IssueCode(ctx, pending.ID); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidRequest) {
		t.Fatalf("second issue: got %v, want invalid request", err)
	}
}

func TestIssueCodeRequiresBoundSubject(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	pending, err := engine.Authorize(ctx, validRequest())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	// No login has been bound to the pending authorization yet.
	if _, err := engine.IssueCode(ctx, pending.ID); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidRequest) {
		t.Fatalf("unbound issue: got %v, want invalid request", err)
	}
	if err := engine.BindSubject(ctx, pending.ID, ""); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidRequest) {
		t.Fatalf("empty subject: got %v, want invalid request", err)
	}
	if err := engine.BindSubject(ctx, "ghost", "subject-1"); !apperrors.IsCode(err, apperrors.CodeOAuthInvalidRequest) {
		t.Fatalf("unknown pending: got %v, want invalid request", err)
	}

	grant := issueCode(t, engine, pending.ID, "subject-1")
	pair, err := engine.Redeem(ctx, TokenRequest{
		Code:         grant.Code,
		ClientID:     "app-1",
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if pair.Subject != "subject-1" {
		t.Fatalf("subject = %q, want the bound subject", pair.Subject)
	}
}

func TestMetadata(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	metadata := engine.Metadata()
	if metadata.Issuer != "https://idp.test" {
		t.Fatalf("issuer = %q", metadata.Issuer)
	}
	if metadata.AuthorizationEndpoint != "https://idp.test/authorize" {
		t.Fatalf("authorization endpoint = %q", metadata.AuthorizationEndpoint)
	}
	if len(metadata.CodeChallengeMethodsSupported) != 1 || metadata.CodeChallengeMethodsSupported[0] != "S256" {
		t.Fatalf("challenge methods = %v", metadata.CodeChallengeMethodsSupported)
	}
}
