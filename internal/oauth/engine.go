// Package oauth implements the authorization-code grant with mandatory PKCE.
//
// The engine is transport-neutral: it validates requests, parks them until
// the user authenticates, mints one-shot authorization codes, and redeems
// them for session token pairs. Public clients only; possession of the PKCE
// verifier is the client's proof, so no client secrets exist here.
package oauth

import (
	"context"
	"strings"
	"time"

	"aegis/internal/audit"
	apperrors "aegis/internal/platform/errors"
	"aegis/internal/platform/id"
	"aegis/internal/session"
	"aegis/internal/storage"
)

var (
	// ErrInvalidClient indicates an unknown client or unregistered
	// redirect URI.
	ErrInvalidClient = apperrors.New(apperrors.CodeOAuthInvalidClient, "unknown client or redirect uri")
	// ErrInvalidRequest indicates a malformed authorization request.
	ErrInvalidRequest = apperrors.New(apperrors.CodeOAuthInvalidRequest, "invalid authorization request")
	// ErrInvalidGrant indicates the code is unknown, consumed, expired, or
	// the PKCE verifier does not match. The distinctions are deliberately
	// collapsed so a caller cannot probe which check failed.
	ErrInvalidGrant = apperrors.New(apperrors.CodeOAuthInvalidGrant, "invalid grant")
)

// Engine drives the authorization-code grant.
type Engine struct {
	config      Config
	codes       storage.CodeStore
	sessions    *session.Registry
	audit       *audit.Emitter
	clock       func() time.Time
	idGenerator func() (string, error)
}

// New creates an authorization engine.
func New(cfg Config, codes storage.CodeStore, sessions *session.Registry, emitter *audit.Emitter) (*Engine, error) {
	if codes == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "code store is required")
	}
	if sessions == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "session registry is required")
	}
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if cfg.PendingAuthorizationTTL <= 0 {
		cfg.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	return &Engine{
		config:      cfg,
		codes:       codes,
		sessions:    sessions,
		audit:       emitter,
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// WithClock overrides the engine's clock, mainly for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// AuthorizationRequest is an incoming authorization request, already
// url-decoded by the transport.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates an authorization request and parks it until the user
// authenticates. The returned pending authorization ID is what the login
// flow presents back to IssueCode.
func (e *Engine) Authorize(ctx context.Context, request AuthorizationRequest) (storage.PendingAuthorization, error) {
	if request.ResponseType != "code" {
		return storage.PendingAuthorization{}, ErrInvalidRequest
	}
	client := e.clientForID(request.ClientID)
	if client == nil {
		return storage.PendingAuthorization{}, ErrInvalidClient
	}
	if request.RedirectURI == "" || !redirectURIAllowed(request.RedirectURI, client.RedirectURIs) {
		return storage.PendingAuthorization{}, ErrInvalidClient
	}
	if request.CodeChallenge == "" {
		return storage.PendingAuthorization{}, ErrInvalidRequest
	}
	if request.CodeChallengeMethod != "S256" {
		return storage.PendingAuthorization{}, ErrInvalidRequest
	}
	if !ValidateCodeChallenge(request.CodeChallenge) {
		return storage.PendingAuthorization{}, ErrInvalidRequest
	}

	pendingID, err := e.idGenerator()
	if err != nil {
		return storage.PendingAuthorization{}, apperrors.Wrap(apperrors.CodeUnknown, "generate pending id", err)
	}
	pending := storage.PendingAuthorization{
		ID:            pendingID,
		ClientID:      request.ClientID,
		RedirectURI:   request.RedirectURI,
		Scope:         request.Scope,
		State:         request.State,
		CodeChallenge: request.CodeChallenge,
		ExpiresAt:     e.clock().UTC().Add(e.config.PendingAuthorizationTTL),
	}
	if err := e.codes.PutPendingAuthorization(ctx, pending); err != nil {
		return storage.PendingAuthorization{}, err
	}
	return pending, nil
}

// Grant is a minted authorization code plus what the transport needs to
// redirect the user agent back to the client.
type Grant struct {
	Code        string
	RedirectURI string
	State       string
}

// BindSubject records the authenticated subject on a pending authorization.
// IssueCode refuses pending authorizations with no bound subject, so a
// transport cannot mint a code for a login that never completed.
func (e *Engine) BindSubject(ctx context.Context, pendingID, subject string) error {
	if subject == "" {
		return ErrInvalidRequest
	}
	err := e.codes.SetPendingAuthorizationSubject(ctx, pendingID, subject)
	if err != nil && apperrors.IsCode(err, apperrors.CodeNotFound) {
		return ErrInvalidRequest
	}
	return err
}

// IssueCode mints the one-shot code for a pending authorization whose subject
// has been recorded by BindSubject. The pending record is deleted; a pending
// authorization backs at most one code.
func (e *Engine) IssueCode(ctx context.Context, pendingID string) (Grant, error) {
	pending, err := e.codes.GetPendingAuthorization(ctx, pendingID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return Grant{}, ErrInvalidRequest
		}
		return Grant{}, err
	}
	now := e.clock().UTC()
	if now.After(pending.ExpiresAt) {
		return Grant{}, ErrInvalidRequest
	}
	if pending.Subject == "" {
		return Grant{}, ErrInvalidRequest
	}

	code, err := e.idGenerator()
	if err != nil {
		return Grant{}, apperrors.Wrap(apperrors.CodeUnknown, "generate authorization code", err)
	}
	err = e.codes.PutAuthorizationCode(ctx, storage.AuthorizationCode{
		Code:          code,
		ClientID:      pending.ClientID,
		Subject:       pending.Subject,
		RedirectURI:   pending.RedirectURI,
		CodeChallenge: pending.CodeChallenge,
		Scope:         pending.Scope,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.config.AuthorizationCodeTTL),
	})
	if err != nil {
		return Grant{}, err
	}
	if err := e.codes.DeletePendingAuthorization(ctx, pendingID); err != nil {
		return Grant{}, err
	}
	return Grant{Code: code, RedirectURI: pending.RedirectURI, State: pending.State}, nil
}

// TokenRequest is an incoming token endpoint request for the
// authorization_code grant.
type TokenRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	Fingerprint  string
}

// Redeem exchanges an authorization code for a session token pair.
//
// The code is consumed before any check runs, so it is spent even when the
// exchange fails: a stolen code and a mismatched verifier burn the grant
// rather than leaving it redeemable.
func (e *Engine) Redeem(ctx context.Context, request TokenRequest) (session.TokenPair, error) {
	authCode, err := e.codes.ConsumeAuthorizationCode(ctx, request.Code)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return session.TokenPair{}, ErrInvalidGrant
		}
		return session.TokenPair{}, err
	}

	now := e.clock().UTC()
	switch {
	case now.After(authCode.ExpiresAt):
		return session.TokenPair{}, e.reject(ctx, authCode, "code_expired")
	case authCode.ClientID != request.ClientID:
		return session.TokenPair{}, e.reject(ctx, authCode, "client_mismatch")
	case authCode.RedirectURI != request.RedirectURI:
		return session.TokenPair{}, e.reject(ctx, authCode, "redirect_uri_mismatch")
	case !ValidatePKCE(request.CodeVerifier, authCode.CodeChallenge, "S256"):
		return session.TokenPair{}, e.reject(ctx, authCode, "pkce_mismatch")
	}

	pair, err := e.sessions.Register(ctx, authCode.Subject, splitScope(authCode.Scope), request.Fingerprint)
	if err != nil {
		return session.TokenPair{}, err
	}
	metadata := map[string]string{"client_id": authCode.ClientID, "chain_id": pair.ChainID}
	if err := e.audit.Emit(ctx, audit.KindCodeRedeemed, authCode.Subject, metadata); err != nil {
		return session.TokenPair{}, err
	}
	return pair, nil
}

// Refresh rotates a refresh token through the session registry. It exists so
// the token endpoint can serve the refresh_token grant without reaching
// around the engine.
func (e *Engine) Refresh(ctx context.Context, refreshToken, fingerprint string) (session.TokenPair, error) {
	return e.sessions.Rotate(ctx, refreshToken, fingerprint)
}

// ReapExpired deletes expired codes and pending authorizations.
func (e *Engine) ReapExpired(ctx context.Context) error {
	return e.codes.DeleteExpiredCodes(ctx, e.clock().UTC())
}

func (e *Engine) reject(ctx context.Context, authCode storage.AuthorizationCode, reason string) error {
	metadata := map[string]string{"client_id": authCode.ClientID, "reason": reason}
	if err := e.audit.Emit(ctx, audit.KindCodeRejected, authCode.Subject, metadata); err != nil {
		return err
	}
	return ErrInvalidGrant
}

func (e *Engine) clientForID(clientID string) *Client {
	for i := range e.config.Clients {
		if e.config.Clients[i].ID == clientID {
			return &e.config.Clients[i]
		}
	}
	return nil
}

func redirectURIAllowed(candidate string, registered []string) bool {
	for _, uri := range registered {
		if candidate == uri {
			return true
		}
	}
	return false
}

func splitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
