// Package storage defines the persistence boundary for the identity core.
//
// The core consumes these interfaces; it never talks to a database directly.
// The session store is the only surface that must be durable and strictly
// consistent, because revocation has to be visible to every verifying
// instance. Everything else tolerates an in-memory implementation.
package storage

import (
	"context"
	"time"

	"aegis/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// Principal is the core's opaque view of an identity record. Full user
// profiles are owned by the persistence collaborator.
type Principal struct {
	ID        string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PasswordCredential stores a password hash for a principal. Exactly one per
// principal.
type PasswordCredential struct {
	PrincipalID string
	Hash        []byte
	UpdatedAt   time.Time
}

// TOTPCredential stores a TOTP secret for a principal. Zero or one per
// principal.
type TOTPCredential struct {
	PrincipalID string
	Secret      string
	CreatedAt   time.Time
}

// WebAuthnCredential stores a WebAuthn credential. Zero or more per principal.
type WebAuthnCredential struct {
	CredentialID   string
	PrincipalID    string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// Session binds a subject to a refresh rotation chain and a client
// fingerprint. LatestRefreshID is the chain's reuse-detection pointer: only
// the refresh token whose jti matches it may rotate the chain.
type Session struct {
	ID              string
	Subject         string
	ChainID         string
	Fingerprint     string
	Scope           []string
	LatestRefreshID string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
}

// AuthorizationCode is a one-time-use OAuth authorization grant.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	Subject       string
	RedirectURI   string
	CodeChallenge string
	Scope         string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// PendingAuthorization carries a validated authorization request between the
// authorize call and user authentication.
type PendingAuthorization struct {
	ID            string
	ClientID      string
	RedirectURI   string
	Scope         string
	State         string
	CodeChallenge string
	Subject       string
	ExpiresAt     time.Time
}

// Challenge is ephemeral MFA challenge state.
type Challenge struct {
	ID           string
	PrincipalID  string
	State        string
	Method       string
	Scope        []string
	Fingerprint  string
	Attempts     int
	MaxAttempts  int
	WebAuthnJSON string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// AuditEvent records a security-relevant occurrence for the auditing
// collaborator.
type AuditEvent struct {
	ID        string
	Kind      string
	Subject   string
	Metadata  map[string]string
	Timestamp time.Time
}

// PrincipalStore resolves principal records.
type PrincipalStore interface {
	PutPrincipal(ctx context.Context, p Principal) error
	GetPrincipal(ctx context.Context, principalID string) (Principal, error)
	GetPrincipalByUsername(ctx context.Context, username string) (Principal, error)
}

// CredentialStore persists credential records per principal.
type CredentialStore interface {
	PutPasswordCredential(ctx context.Context, c PasswordCredential) error
	GetPasswordCredential(ctx context.Context, principalID string) (PasswordCredential, error)
	PutTOTPCredential(ctx context.Context, c TOTPCredential) error
	GetTOTPCredential(ctx context.Context, principalID string) (TOTPCredential, error)
	PutWebAuthnCredential(ctx context.Context, c WebAuthnCredential) error
	GetWebAuthnCredential(ctx context.Context, credentialID string) (WebAuthnCredential, error)
	ListWebAuthnCredentials(ctx context.Context, principalID string) ([]WebAuthnCredential, error)
}

// SessionStore persists sessions and rotation chains. AdvanceChain must be
// atomic: it advances the latest-refresh pointer only when the stored pointer
// still equals fromRefreshID, and reports whether the swap happened. This is
// what makes reuse detection reliable under concurrent rotation attempts.
type SessionStore interface {
	PutSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetSessionByChain(ctx context.Context, chainID string) (Session, error)
	AdvanceChain(ctx context.Context, chainID, fromRefreshID, toRefreshID string, expiresAt time.Time) (bool, error)
	RevokeSession(ctx context.Context, sessionID string, at time.Time) error
	RevokeChain(ctx context.Context, chainID string, at time.Time) error
	RevokeAllForSubject(ctx context.Context, subject string, at time.Time) error
}

// CodeStore persists OAuth authorization codes and pending authorizations.
// ConsumeAuthorizationCode must be one-shot: the first call for a code
// returns it and deletes it, every later call reports ErrNotFound.
type CodeStore interface {
	PutAuthorizationCode(ctx context.Context, c AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (AuthorizationCode, error)
	PutPendingAuthorization(ctx context.Context, p PendingAuthorization) error
	GetPendingAuthorization(ctx context.Context, pendingID string) (PendingAuthorization, error)
	SetPendingAuthorizationSubject(ctx context.Context, pendingID, subject string) error
	DeletePendingAuthorization(ctx context.Context, pendingID string) error
	DeleteExpiredCodes(ctx context.Context, now time.Time) error
}

// ChallengeStore persists MFA challenge state.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, c Challenge) error
	GetChallenge(ctx context.Context, challengeID string) (Challenge, error)
	DeleteChallenge(ctx context.Context, challengeID string) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// ReplayStore tracks one-time values for replay detection. Record inserts are
// first-writer-wins: inserted reports false when the value was already
// present and unexpired.
type ReplayStore interface {
	RecordAssertionID(ctx context.Context, assertionID string, expiresAt time.Time) (inserted bool, err error)
	RecordTOTPStep(ctx context.Context, principalID string, step int64, expiresAt time.Time) (inserted bool, err error)
	DeleteExpiredReplayRecords(ctx context.Context, now time.Time) error
}

// AuditStore appends audit events.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
}
