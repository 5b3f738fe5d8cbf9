// Package service orchestrates the identity flows end to end.
//
// It owns the sequencing: primary credential check, second-factor challenge,
// session issuance, federated assertion consumption, and revocation. The
// pieces underneath stay single-purpose; only this package knows the order
// they run in.
package service

import (
	"context"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"aegis/internal/audit"
	"aegis/internal/credential"
	"aegis/internal/mfa"
	"aegis/internal/oauth"
	apperrors "aegis/internal/platform/errors"
	"aegis/internal/platform/id"
	"aegis/internal/saml"
	"aegis/internal/session"
	"aegis/internal/storage"
	"aegis/internal/token"
)

// Service wires the identity components into complete flows.
type Service struct {
	principals     storage.PrincipalStore
	replay         storage.ReplayStore
	verifier       *credential.Verifier
	challenges     *mfa.Coordinator
	sessions       *session.Registry
	assertions     *saml.Processor
	authorizations *oauth.Engine
	audit          *audit.Emitter
	clock          func() time.Time
	idGenerator    func() (string, error)
}

// Config carries the service's collaborators. Assertions may be nil when no
// identity provider federation is configured; Authorizations may be nil when
// the OAuth surface is not served.
type Config struct {
	Principals     storage.PrincipalStore
	Replay         storage.ReplayStore
	Verifier       *credential.Verifier
	Challenges     *mfa.Coordinator
	Sessions       *session.Registry
	Assertions     *saml.Processor
	Authorizations *oauth.Engine
	Audit          *audit.Emitter
	Clock          func() time.Time
	IDGenerator    func() (string, error)
}

// New creates the identity service.
func New(cfg Config) (*Service, error) {
	if cfg.Principals == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "principal store is required")
	}
	if cfg.Replay == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "replay store is required")
	}
	if cfg.Verifier == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "credential verifier is required")
	}
	if cfg.Challenges == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "challenge coordinator is required")
	}
	if cfg.Sessions == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "session registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.NewID
	}
	return &Service{
		principals:     cfg.Principals,
		replay:         cfg.Replay,
		verifier:       cfg.Verifier,
		challenges:     cfg.Challenges,
		sessions:       cfg.Sessions,
		assertions:     cfg.Assertions,
		authorizations: cfg.Authorizations,
		audit:          cfg.Audit,
		clock:          cfg.Clock,
		idGenerator:    cfg.IDGenerator,
	}, nil
}

// LoginResult is the outcome of a primary credential check. Exactly one of
// Pair and Challenge is set: Pair when the principal has no second factor,
// Challenge when one must still be answered.
type LoginResult struct {
	Pair      *session.TokenPair
	Challenge *mfa.Prompt
}

// PasswordLogin verifies a username and password and either issues a session
// or opens a second-factor challenge.
//
// An unknown username and a wrong password produce identical errors and
// comparable timing, so the login surface does not leak which usernames
// exist.
func (s *Service) PasswordLogin(ctx context.Context, username, password, fingerprint string) (LoginResult, error) {
	principal, err := s.principals.GetPrincipalByUsername(ctx, username)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			// Burn a full verification against a principal that cannot
			// exist so the miss costs the same as a wrong password.
			_ = s.verifier.VerifyPassword(ctx, "!", password)
			return LoginResult{}, credential.ErrInvalid
		}
		return LoginResult{}, err
	}

	if err := s.verifier.VerifyPassword(ctx, principal.ID, password); err != nil {
		if apperrors.IsCode(err, apperrors.CodeCredentialInvalid) {
			s.emit(ctx, audit.KindLoginFailed, principal.ID, map[string]string{"stage": "primary"})
		}
		return LoginResult{}, err
	}

	enrollment, err := s.verifier.EnrolledFactors(ctx, principal.ID)
	if err != nil {
		return LoginResult{}, err
	}
	method, required := pickSecondFactor(enrollment)
	if !required {
		pair, err := s.sessions.Register(ctx, principal.ID, nil, fingerprint)
		if err != nil {
			return LoginResult{}, err
		}
		s.emit(ctx, audit.KindLoginSucceeded, principal.ID, map[string]string{"factors": "password"})
		return LoginResult{Pair: &pair}, nil
	}

	prompt, err := s.challenges.Start(ctx, principal.ID, method, nil, fingerprint)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Challenge: &prompt}, nil
}

// CompleteChallenge answers a pending second-factor challenge and, on
// success, consumes it for a session.
func (s *Service) CompleteChallenge(ctx context.Context, challengeID string, proof []byte) (session.TokenPair, error) {
	answered, err := s.challenges.Answer(ctx, challengeID, proof)
	if err != nil {
		switch {
		case apperrors.IsCode(err, apperrors.CodeCredentialCloning):
			s.emit(ctx, audit.KindPossibleCloning, "", map[string]string{"challenge_id": challengeID})
		case apperrors.IsCode(err, apperrors.CodeCredentialInvalid),
			apperrors.IsCode(err, apperrors.CodeChallengeRetryLimit):
			s.emit(ctx, audit.KindChallengeFailed, "", map[string]string{"challenge_id": challengeID})
		}
		return session.TokenPair{}, err
	}

	consumed, err := s.challenges.Consume(ctx, answered.ID)
	if err != nil {
		return session.TokenPair{}, err
	}
	pair, err := s.sessions.Register(ctx, consumed.PrincipalID, consumed.Scope, consumed.Fingerprint)
	if err != nil {
		return session.TokenPair{}, err
	}
	s.emit(ctx, audit.KindLoginSucceeded, consumed.PrincipalID, map[string]string{
		"factors": "password+" + consumed.Method,
	})
	return pair, nil
}

// Refresh rotates a refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken, fingerprint string) (session.TokenPair, error) {
	return s.sessions.Rotate(ctx, refreshToken, fingerprint)
}

// VerifyAccess verifies an access token and its session's liveness.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string) (token.Claims, error) {
	return s.sessions.CheckActive(ctx, accessToken)
}

// Logout revokes a single session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Revoke(ctx, sessionID)
}

// LogoutEverywhere revokes every session the subject holds.
func (s *Service) LogoutEverywhere(ctx context.Context, subject string) error {
	return s.sessions.RevokeAllForSubject(ctx, subject)
}

// BeginAuthorization validates an OAuth authorization request and parks it
// until the resource owner finishes logging in.
func (s *Service) BeginAuthorization(ctx context.Context, request oauth.AuthorizationRequest) (storage.PendingAuthorization, error) {
	if s.authorizations == nil {
		return storage.PendingAuthorization{}, apperrors.New(apperrors.CodeUnknown, "authorization is not configured")
	}
	return s.authorizations.Authorize(ctx, request)
}

// FinishAuthorization binds a completed login to a pending authorization and
// mints its code. The pair must come from PasswordLogin, CompleteChallenge,
// or ConsumeAssertion; its subject is the one the code is issued for.
func (s *Service) FinishAuthorization(ctx context.Context, pendingID string, authenticated session.TokenPair) (oauth.Grant, error) {
	if s.authorizations == nil {
		return oauth.Grant{}, apperrors.New(apperrors.CodeUnknown, "authorization is not configured")
	}
	if authenticated.Subject == "" {
		return oauth.Grant{}, apperrors.New(apperrors.CodeChallengeNotReady, "authorization requires a completed login")
	}
	if err := s.authorizations.BindSubject(ctx, pendingID, authenticated.Subject); err != nil {
		return oauth.Grant{}, err
	}
	return s.authorizations.IssueCode(ctx, pendingID)
}

// Token redeems an authorization code for a token pair.
func (s *Service) Token(ctx context.Context, request oauth.TokenRequest) (session.TokenPair, error) {
	if s.authorizations == nil {
		return session.TokenPair{}, apperrors.New(apperrors.CodeUnknown, "authorization is not configured")
	}
	return s.authorizations.Redeem(ctx, request)
}

// ConsumeAssertion accepts a federated SAML assertion and issues a session
// for the asserted identity, provisioning the principal on first sight.
func (s *Service) ConsumeAssertion(ctx context.Context, encodedAssertion, fingerprint string) (session.TokenPair, error) {
	if s.assertions == nil {
		return session.TokenPair{}, apperrors.New(apperrors.CodeUnknown, "federation is not configured")
	}
	identity, err := s.assertions.Consume(ctx, s.replay, encodedAssertion)
	if err != nil {
		switch {
		case apperrors.IsCode(err, apperrors.CodeSamlReplayDetected):
			s.emit(ctx, audit.KindSamlReplayDetected, identity.NameID, nil)
		default:
			s.emit(ctx, audit.KindSamlRejected, "", map[string]string{"reason": string(apperrors.GetCode(err))})
		}
		return session.TokenPair{}, err
	}

	principal, err := s.resolveFederated(ctx, identity)
	if err != nil {
		return session.TokenPair{}, err
	}
	pair, err := s.sessions.Register(ctx, principal.ID, nil, fingerprint)
	if err != nil {
		return session.TokenPair{}, err
	}
	s.emit(ctx, audit.KindLoginSucceeded, principal.ID, map[string]string{
		"factors": "saml",
		"issuer":  identity.Issuer,
	})
	return pair, nil
}

// CreatePrincipal provisions a principal with a password credential.
func (s *Service) CreatePrincipal(ctx context.Context, username, password string) (storage.Principal, error) {
	if _, err := s.principals.GetPrincipalByUsername(ctx, username); err == nil {
		return storage.Principal{}, apperrors.New(apperrors.CodeCredentialConflict, "username is taken")
	} else if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return storage.Principal{}, err
	}

	principalID, err := s.idGenerator()
	if err != nil {
		return storage.Principal{}, apperrors.Wrap(apperrors.CodeUnknown, "generate principal id", err)
	}
	now := s.clock().UTC()
	principal := storage.Principal{
		ID:        principalID,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.principals.PutPrincipal(ctx, principal); err != nil {
		return storage.Principal{}, err
	}
	if err := s.verifier.SetPassword(ctx, principal.ID, password); err != nil {
		return storage.Principal{}, err
	}
	return principal, nil
}

// EnrollTOTP provisions a TOTP second factor for the principal.
func (s *Service) EnrollTOTP(ctx context.Context, principalID string) (string, error) {
	principal, err := s.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return "", err
	}
	return s.verifier.EnrollTOTP(ctx, principal.ID, principal.Username)
}

// BeginWebAuthnEnrollment starts a WebAuthn registration ceremony for the
// principal. The returned session data must come back to
// FinishWebAuthnEnrollment unchanged.
func (s *Service) BeginWebAuthnEnrollment(ctx context.Context, principalID string) (*protocol.CredentialCreation, string, error) {
	principal, err := s.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, "", err
	}
	creation, sessionData, err := s.verifier.BeginRegistration(ctx, principal)
	if err != nil {
		return nil, "", err
	}
	encoded, err := credential.MarshalSessionData(sessionData)
	if err != nil {
		return nil, "", err
	}
	return creation, encoded, nil
}

// FinishWebAuthnEnrollment validates the authenticator's registration
// response and stores the credential.
func (s *Service) FinishWebAuthnEnrollment(ctx context.Context, principalID, encodedSession string, responseJSON []byte) error {
	principal, err := s.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	sessionData, err := credential.UnmarshalSessionData(encodedSession)
	if err != nil {
		return err
	}
	return s.verifier.FinishRegistration(ctx, principal, sessionData, responseJSON)
}

func (s *Service) resolveFederated(ctx context.Context, identity saml.Identity) (storage.Principal, error) {
	principal, err := s.principals.GetPrincipalByUsername(ctx, identity.NameID)
	if err == nil {
		return principal, nil
	}
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return storage.Principal{}, err
	}

	principalID, err := s.idGenerator()
	if err != nil {
		return storage.Principal{}, apperrors.Wrap(apperrors.CodeUnknown, "generate principal id", err)
	}
	now := s.clock().UTC()
	principal = storage.Principal{
		ID:        principalID,
		Username:  identity.NameID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.principals.PutPrincipal(ctx, principal); err != nil {
		return storage.Principal{}, err
	}
	return principal, nil
}

func (s *Service) emit(ctx context.Context, kind, subject string, metadata map[string]string) {
	_ = s.audit.Emit(ctx, kind, subject, metadata)
}

func pickSecondFactor(enrollment credential.Enrollment) (credential.Method, bool) {
	switch {
	case enrollment.WebAuthn:
		return credential.MethodWebAuthn, true
	case enrollment.TOTP:
		return credential.MethodTOTP, true
	default:
		return "", false
	}
}
