// Package memory provides an in-memory storage implementation.
//
// It backs tests and single-process deployments. All operations take the
// store mutex briefly; compare-and-swap semantics match the SQLite
// implementation so the session registry behaves identically on both.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"aegis/internal/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu    sync.Mutex
	clock func() time.Time

	principals     map[string]storage.Principal
	usernames      map[string]string
	passwords      map[string]storage.PasswordCredential
	totps          map[string]storage.TOTPCredential
	webauthn       map[string]storage.WebAuthnCredential
	sessions       map[string]storage.Session
	chains         map[string]string
	codes          map[string]storage.AuthorizationCode
	pending        map[string]storage.PendingAuthorization
	challenges     map[string]storage.Challenge
	assertions     map[string]time.Time
	totpSteps      map[string]time.Time
	auditEvents    []storage.AuditEvent
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clock:       time.Now,
		principals:  make(map[string]storage.Principal),
		usernames:   make(map[string]string),
		passwords:   make(map[string]storage.PasswordCredential),
		totps:       make(map[string]storage.TOTPCredential),
		webauthn:    make(map[string]storage.WebAuthnCredential),
		sessions:    make(map[string]storage.Session),
		chains:      make(map[string]string),
		codes:       make(map[string]storage.AuthorizationCode),
		pending:     make(map[string]storage.PendingAuthorization),
		challenges:  make(map[string]storage.Challenge),
		assertions:  make(map[string]time.Time),
		totpSteps:   make(map[string]time.Time),
	}
}

// WithClock overrides the time source used for replay-record expiry.
// Used in tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// PutPrincipal stores a principal record.
func (s *Store) PutPrincipal(_ context.Context, p storage.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
	s.usernames[p.Username] = p.ID
	return nil
}

// GetPrincipal returns a principal by ID.
func (s *Store) GetPrincipal(_ context.Context, principalID string) (storage.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return storage.Principal{}, storage.ErrNotFound
	}
	return p, nil
}

// GetPrincipalByUsername returns a principal by username.
func (s *Store) GetPrincipalByUsername(_ context.Context, username string) (storage.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	principalID, ok := s.usernames[username]
	if !ok {
		return storage.Principal{}, storage.ErrNotFound
	}
	return s.principals[principalID], nil
}

// PutPasswordCredential stores the password credential for a principal.
func (s *Store) PutPasswordCredential(_ context.Context, c storage.PasswordCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[c.PrincipalID] = c
	return nil
}

// GetPasswordCredential returns the password credential for a principal.
func (s *Store) GetPasswordCredential(_ context.Context, principalID string) (storage.PasswordCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.passwords[principalID]
	if !ok {
		return storage.PasswordCredential{}, storage.ErrNotFound
	}
	return c, nil
}

// PutTOTPCredential stores the TOTP credential for a principal.
func (s *Store) PutTOTPCredential(_ context.Context, c storage.TOTPCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totps[c.PrincipalID] = c
	return nil
}

// GetTOTPCredential returns the TOTP credential for a principal.
func (s *Store) GetTOTPCredential(_ context.Context, principalID string) (storage.TOTPCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.totps[principalID]
	if !ok {
		return storage.TOTPCredential{}, storage.ErrNotFound
	}
	return c, nil
}

// PutWebAuthnCredential stores a WebAuthn credential.
func (s *Store) PutWebAuthnCredential(_ context.Context, c storage.WebAuthnCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webauthn[c.CredentialID] = c
	return nil
}

// GetWebAuthnCredential returns a WebAuthn credential by credential ID.
func (s *Store) GetWebAuthnCredential(_ context.Context, credentialID string) (storage.WebAuthnCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.webauthn[credentialID]
	if !ok {
		return storage.WebAuthnCredential{}, storage.ErrNotFound
	}
	return c, nil
}

// ListWebAuthnCredentials returns all WebAuthn credentials for a principal.
func (s *Store) ListWebAuthnCredentials(_ context.Context, principalID string) ([]storage.WebAuthnCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.WebAuthnCredential
	for _, c := range s.webauthn {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	return out, nil
}

// PutSession stores a session and indexes its rotation chain.
func (s *Store) PutSession(_ context.Context, session storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	s.chains[session.ChainID] = session.ID
	return nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(_ context.Context, sessionID string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

// GetSessionByChain returns the session owning a rotation chain.
func (s *Store) GetSessionByChain(_ context.Context, chainID string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.chains[chainID]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return s.sessions[sessionID], nil
}

// AdvanceChain swaps the latest-refresh pointer if and only if it still
// equals fromRefreshID.
func (s *Store) AdvanceChain(_ context.Context, chainID, fromRefreshID, toRefreshID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.chains[chainID]
	if !ok {
		return false, storage.ErrNotFound
	}
	session := s.sessions[sessionID]
	if session.RevokedAt != nil || session.LatestRefreshID != fromRefreshID {
		return false, nil
	}
	session.LatestRefreshID = toRefreshID
	session.ExpiresAt = expiresAt
	s.sessions[sessionID] = session
	return true, nil
}

// RevokeSession marks a session revoked.
func (s *Store) RevokeSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if session.RevokedAt == nil {
		session.RevokedAt = &at
		s.sessions[sessionID] = session
	}
	return nil
}

// RevokeChain marks the session owning a chain revoked.
func (s *Store) RevokeChain(_ context.Context, chainID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.chains[chainID]
	if !ok {
		return storage.ErrNotFound
	}
	session := s.sessions[sessionID]
	if session.RevokedAt == nil {
		session.RevokedAt = &at
		s.sessions[sessionID] = session
	}
	return nil
}

// RevokeAllForSubject marks every session of a subject revoked.
func (s *Store) RevokeAllForSubject(_ context.Context, subject string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, session := range s.sessions {
		if session.Subject == subject && session.RevokedAt == nil {
			revokedAt := at
			session.RevokedAt = &revokedAt
			s.sessions[sessionID] = session
		}
	}
	return nil
}

// PutAuthorizationCode stores an authorization code.
func (s *Store) PutAuthorizationCode(_ context.Context, c storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
	return nil
}

// ConsumeAuthorizationCode removes and returns a code in one step.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return storage.AuthorizationCode{}, storage.ErrNotFound
	}
	delete(s.codes, code)
	return c, nil
}

// PutPendingAuthorization stores a pending authorization.
func (s *Store) PutPendingAuthorization(_ context.Context, p storage.PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.ID] = p
	return nil
}

// GetPendingAuthorization returns a pending authorization by ID.
func (s *Store) GetPendingAuthorization(_ context.Context, pendingID string) (storage.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[pendingID]
	if !ok {
		return storage.PendingAuthorization{}, storage.ErrNotFound
	}
	return p, nil
}

// SetPendingAuthorizationSubject records the authenticated subject.
func (s *Store) SetPendingAuthorizationSubject(_ context.Context, pendingID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[pendingID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Subject = subject
	s.pending[pendingID] = p
	return nil
}

// DeletePendingAuthorization removes a pending authorization.
func (s *Store) DeletePendingAuthorization(_ context.Context, pendingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingID)
	return nil
}

// DeleteExpiredCodes reaps expired codes and pending authorizations.
func (s *Store) DeleteExpiredCodes(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, c := range s.codes {
		if !c.ExpiresAt.After(now) {
			delete(s.codes, code)
		}
	}
	for pendingID, p := range s.pending {
		if !p.ExpiresAt.After(now) {
			delete(s.pending, pendingID)
		}
	}
	return nil
}

// PutChallenge stores an MFA challenge.
func (s *Store) PutChallenge(_ context.Context, c storage.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.ID] = c
	return nil
}

// GetChallenge returns an MFA challenge by ID.
func (s *Store) GetChallenge(_ context.Context, challengeID string) (storage.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeID]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	return c, nil
}

// DeleteChallenge removes an MFA challenge.
func (s *Store) DeleteChallenge(_ context.Context, challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, challengeID)
	return nil
}

// DeleteExpiredChallenges reaps expired challenges.
func (s *Store) DeleteExpiredChallenges(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for challengeID, c := range s.challenges {
		if !c.ExpiresAt.After(now) {
			delete(s.challenges, challengeID)
		}
	}
	return nil
}

// RecordAssertionID inserts a SAML assertion ID for replay detection.
func (s *Store) RecordAssertionID(_ context.Context, assertionID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.assertions[assertionID]; ok && expiry.After(s.clock().UTC()) {
		return false, nil
	}
	s.assertions[assertionID] = expiresAt
	return true, nil
}

// RecordTOTPStep inserts a consumed TOTP time-step for replay detection.
func (s *Store) RecordTOTPStep(_ context.Context, principalID string, step int64, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := totpStepKey(principalID, step)
	if expiry, ok := s.totpSteps[key]; ok && expiry.After(s.clock().UTC()) {
		return false, nil
	}
	s.totpSteps[key] = expiresAt
	return true, nil
}

// DeleteExpiredReplayRecords reaps expired replay records.
func (s *Store) DeleteExpiredReplayRecords(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for assertionID, expiry := range s.assertions {
		if !expiry.After(now) {
			delete(s.assertions, assertionID)
		}
	}
	for key, expiry := range s.totpSteps {
		if !expiry.After(now) {
			delete(s.totpSteps, key)
		}
	}
	return nil
}

// AppendAuditEvent appends an audit event.
func (s *Store) AppendAuditEvent(_ context.Context, event storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEvents = append(s.auditEvents, event)
	return nil
}

// AuditEvents returns a copy of recorded audit events, oldest first.
func (s *Store) AuditEvents() []storage.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.AuditEvent, len(s.auditEvents))
	copy(out, s.auditEvents)
	return out
}

func totpStepKey(principalID string, step int64) string {
	return principalID + "/" + strconv.FormatInt(step, 10)
}
