// Package sqlite implements identity storage over SQLite.
//
// A single SQLite file backs session, credential, and replay state so every
// auth subflow shares the same transaction and visibility boundaries. The
// compare-and-swap surfaces (chain advancement, one-shot code redemption,
// replay inserts) are conditional statements, never read-modify-write in Go.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aegis/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS principals (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS password_credentials (
	principal_id TEXT PRIMARY KEY,
	hash BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS totp_credentials (
	principal_id TEXT PRIMARY KEY,
	secret TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS webauthn_credentials (
	credential_id TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	credential_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_used_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_webauthn_principal ON webauthn_credentials(principal_id);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	chain_id TEXT NOT NULL UNIQUE,
	fingerprint TEXT NOT NULL,
	scope TEXT NOT NULL,
	latest_refresh_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	revoked_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject);
CREATE TABLE IF NOT EXISTS authorization_codes (
	code TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	scope TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_authorizations (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	scope TEXT NOT NULL,
	state TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS mfa_challenges (
	id TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	state TEXT NOT NULL,
	method TEXT NOT NULL,
	scope TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	webauthn_json TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS replay_records (
	record_key TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	ts INTEGER NOT NULL
);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements identity persistence over SQLite.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open opens the SQLite store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func joinScope(scope []string) string {
	return strings.Join(scope, " ")
}

func splitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// PutPrincipal upserts a principal record.
func (s *Store) PutPrincipal(ctx context.Context, p storage.Principal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (id, username, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			updated_at = excluded.updated_at`,
		p.ID, p.Username, toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	return err
}

// GetPrincipal returns a principal by ID.
func (s *Store) GetPrincipal(ctx context.Context, principalID string) (storage.Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at, updated_at FROM principals WHERE id = ?`, principalID))
}

// GetPrincipalByUsername returns a principal by username.
func (s *Store) GetPrincipalByUsername(ctx context.Context, username string) (storage.Principal, error) {
	return s.scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at, updated_at FROM principals WHERE username = ?`, username))
}

func (s *Store) scanPrincipal(row *sql.Row) (storage.Principal, error) {
	var p storage.Principal
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.Username, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Principal{}, storage.ErrNotFound
		}
		return storage.Principal{}, err
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

// PutPasswordCredential upserts the single password credential per principal.
func (s *Store) PutPasswordCredential(ctx context.Context, c storage.PasswordCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO password_credentials (principal_id, hash, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			hash = excluded.hash,
			updated_at = excluded.updated_at`,
		c.PrincipalID, c.Hash, toMillis(c.UpdatedAt),
	)
	return err
}

// GetPasswordCredential returns the password credential for a principal.
func (s *Store) GetPasswordCredential(ctx context.Context, principalID string) (storage.PasswordCredential, error) {
	var c storage.PasswordCredential
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, hash, updated_at FROM password_credentials WHERE principal_id = ?`,
		principalID,
	).Scan(&c.PrincipalID, &c.Hash, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PasswordCredential{}, storage.ErrNotFound
		}
		return storage.PasswordCredential{}, err
	}
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// PutTOTPCredential upserts the single TOTP credential per principal.
func (s *Store) PutTOTPCredential(ctx context.Context, c storage.TOTPCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO totp_credentials (principal_id, secret, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			secret = excluded.secret`,
		c.PrincipalID, c.Secret, toMillis(c.CreatedAt),
	)
	return err
}

// GetTOTPCredential returns the TOTP credential for a principal.
func (s *Store) GetTOTPCredential(ctx context.Context, principalID string) (storage.TOTPCredential, error) {
	var c storage.TOTPCredential
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, secret, created_at FROM totp_credentials WHERE principal_id = ?`,
		principalID,
	).Scan(&c.PrincipalID, &c.Secret, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TOTPCredential{}, storage.ErrNotFound
		}
		return storage.TOTPCredential{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}

// PutWebAuthnCredential upserts a WebAuthn credential.
func (s *Store) PutWebAuthnCredential(ctx context.Context, c storage.WebAuthnCredential) error {
	var lastUsedAt any
	if c.LastUsedAt != nil {
		lastUsedAt = toMillis(*c.LastUsedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webauthn_credentials (credential_id, principal_id, credential_json, created_at, updated_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			credential_json = excluded.credential_json,
			updated_at = excluded.updated_at,
			last_used_at = excluded.last_used_at`,
		c.CredentialID, c.PrincipalID, c.CredentialJSON, toMillis(c.CreatedAt), toMillis(c.UpdatedAt), lastUsedAt,
	)
	return err
}

// GetWebAuthnCredential returns a WebAuthn credential by credential ID.
func (s *Store) GetWebAuthnCredential(ctx context.Context, credentialID string) (storage.WebAuthnCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT credential_id, principal_id, credential_json, created_at, updated_at, last_used_at
		FROM webauthn_credentials WHERE credential_id = ?`, credentialID)
	c, err := scanWebAuthnCredential(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebAuthnCredential{}, storage.ErrNotFound
		}
		return storage.WebAuthnCredential{}, err
	}
	return c, nil
}

// ListWebAuthnCredentials returns all WebAuthn credentials for a principal.
func (s *Store) ListWebAuthnCredentials(ctx context.Context, principalID string) ([]storage.WebAuthnCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT credential_id, principal_id, credential_json, created_at, updated_at, last_used_at
		FROM webauthn_credentials WHERE principal_id = ? ORDER BY created_at`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.WebAuthnCredential
	for rows.Next() {
		c, err := scanWebAuthnCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanWebAuthnCredential(scan func(...any) error) (storage.WebAuthnCredential, error) {
	var c storage.WebAuthnCredential
	var createdAt, updatedAt int64
	var lastUsedAt sql.NullInt64
	if err := scan(&c.CredentialID, &c.PrincipalID, &c.CredentialJSON, &createdAt, &updatedAt, &lastUsedAt); err != nil {
		return storage.WebAuthnCredential{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	if lastUsedAt.Valid {
		at := fromMillis(lastUsedAt.Int64)
		c.LastUsedAt = &at
	}
	return c, nil
}

// PutSession upserts a session record.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	var revokedAt any
	if session.RevokedAt != nil {
		revokedAt = toMillis(*session.RevokedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject, chain_id, fingerprint, scope, latest_refresh_id, created_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latest_refresh_id = excluded.latest_refresh_id,
			expires_at = excluded.expires_at,
			revoked_at = excluded.revoked_at`,
		session.ID, session.Subject, session.ChainID, session.Fingerprint, joinScope(session.Scope),
		session.LatestRefreshID, toMillis(session.CreatedAt), toMillis(session.ExpiresAt), revokedAt,
	)
	return err
}

const sessionColumns = `id, subject, chain_id, fingerprint, scope, latest_refresh_id, created_at, expires_at, revoked_at`

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
}

// GetSessionByChain returns the session owning a rotation chain.
func (s *Store) GetSessionByChain(ctx context.Context, chainID string) (storage.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE chain_id = ?`, chainID))
}

func scanSession(row *sql.Row) (storage.Session, error) {
	var session storage.Session
	var scope string
	var createdAt, expiresAt int64
	var revokedAt sql.NullInt64
	err := row.Scan(&session.ID, &session.Subject, &session.ChainID, &session.Fingerprint,
		&scope, &session.LatestRefreshID, &createdAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, err
	}
	session.Scope = splitScope(scope)
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	if revokedAt.Valid {
		at := fromMillis(revokedAt.Int64)
		session.RevokedAt = &at
	}
	return session, nil
}

// AdvanceChain swaps the latest-refresh pointer only when the stored pointer
// still equals fromRefreshID and the session is not revoked.
func (s *Store) AdvanceChain(ctx context.Context, chainID, fromRefreshID, toRefreshID string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET latest_refresh_id = ?, expires_at = ?
		WHERE chain_id = ? AND latest_refresh_id = ? AND revoked_at IS NULL`,
		toRefreshID, toMillis(expiresAt), chainID, fromRefreshID,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish a lost race from a missing chain.
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE chain_id = ?`, chainID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// RevokeSession marks a session revoked.
func (s *Store) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.revokeWhere(ctx, `id = ?`, sessionID, at)
}

// RevokeChain marks the session owning a chain revoked.
func (s *Store) RevokeChain(ctx context.Context, chainID string, at time.Time) error {
	return s.revokeWhere(ctx, `chain_id = ?`, chainID, at)
}

// RevokeAllForSubject marks every session of a subject revoked.
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE subject = ? AND revoked_at IS NULL`,
		toMillis(at), subject,
	)
	return err
}

func (s *Store) revokeWhere(ctx context.Context, where, key string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE `+where+` AND revoked_at IS NULL`,
		toMillis(at), key,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE `+where, key).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return err
	}
	return nil
}

// PutAuthorizationCode stores an authorization code.
func (s *Store) PutAuthorizationCode(ctx context.Context, c storage.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorization_codes (code, client_id, subject, redirect_uri, code_challenge, scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.ClientID, c.Subject, c.RedirectURI, c.CodeChallenge, c.Scope,
		toMillis(c.CreatedAt), toMillis(c.ExpiresAt),
	)
	return err
}

// ConsumeAuthorizationCode deletes and returns a code in one statement, so a
// code can be redeemed at most once even under concurrent redemption.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (storage.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM authorization_codes WHERE code = ?
		RETURNING code, client_id, subject, redirect_uri, code_challenge, scope, created_at, expires_at`,
		code,
	)
	var c storage.AuthorizationCode
	var createdAt, expiresAt int64
	err := row.Scan(&c.Code, &c.ClientID, &c.Subject, &c.RedirectURI, &c.CodeChallenge, &c.Scope, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AuthorizationCode{}, storage.ErrNotFound
		}
		return storage.AuthorizationCode{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	return c, nil
}

// PutPendingAuthorization stores a pending authorization.
func (s *Store) PutPendingAuthorization(ctx context.Context, p storage.PendingAuthorization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_authorizations (id, client_id, redirect_uri, scope, state, code_challenge, subject, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClientID, p.RedirectURI, p.Scope, p.State, p.CodeChallenge, p.Subject, toMillis(p.ExpiresAt),
	)
	return err
}

// GetPendingAuthorization returns a pending authorization by ID.
func (s *Store) GetPendingAuthorization(ctx context.Context, pendingID string) (storage.PendingAuthorization, error) {
	var p storage.PendingAuthorization
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, redirect_uri, scope, state, code_challenge, subject, expires_at
		FROM pending_authorizations WHERE id = ?`, pendingID,
	).Scan(&p.ID, &p.ClientID, &p.RedirectURI, &p.Scope, &p.State, &p.CodeChallenge, &p.Subject, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingAuthorization{}, storage.ErrNotFound
		}
		return storage.PendingAuthorization{}, err
	}
	p.ExpiresAt = fromMillis(expiresAt)
	return p, nil
}

// SetPendingAuthorizationSubject records the authenticated subject.
func (s *Store) SetPendingAuthorizationSubject(ctx context.Context, pendingID, subject string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_authorizations SET subject = ? WHERE id = ?`, subject, pendingID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeletePendingAuthorization removes a pending authorization.
func (s *Store) DeletePendingAuthorization(ctx context.Context, pendingID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_authorizations WHERE id = ?`, pendingID)
	return err
}

// DeleteExpiredCodes reaps expired codes and pending authorizations.
func (s *Store) DeleteExpiredCodes(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_authorizations WHERE expires_at <= ?`, toMillis(now))
	return err
}

// PutChallenge upserts an MFA challenge.
func (s *Store) PutChallenge(ctx context.Context, c storage.Challenge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mfa_challenges (id, principal_id, state, method, scope, fingerprint, attempts, max_attempts, webauthn_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			webauthn_json = excluded.webauthn_json`,
		c.ID, c.PrincipalID, c.State, c.Method, joinScope(c.Scope), c.Fingerprint,
		c.Attempts, c.MaxAttempts, c.WebAuthnJSON, toMillis(c.CreatedAt), toMillis(c.ExpiresAt),
	)
	return err
}

// GetChallenge returns an MFA challenge by ID.
func (s *Store) GetChallenge(ctx context.Context, challengeID string) (storage.Challenge, error) {
	var c storage.Challenge
	var scope string
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, state, method, scope, fingerprint, attempts, max_attempts, webauthn_json, created_at, expires_at
		FROM mfa_challenges WHERE id = ?`, challengeID,
	).Scan(&c.ID, &c.PrincipalID, &c.State, &c.Method, &scope, &c.Fingerprint,
		&c.Attempts, &c.MaxAttempts, &c.WebAuthnJSON, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, err
	}
	c.Scope = splitScope(scope)
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	return c, nil
}

// DeleteChallenge removes an MFA challenge.
func (s *Store) DeleteChallenge(ctx context.Context, challengeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mfa_challenges WHERE id = ?`, challengeID)
	return err
}

// DeleteExpiredChallenges reaps expired challenges.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mfa_challenges WHERE expires_at <= ?`, toMillis(now))
	return err
}

// RecordAssertionID inserts a SAML assertion ID for replay detection.
func (s *Store) RecordAssertionID(ctx context.Context, assertionID string, expiresAt time.Time) (bool, error) {
	return s.recordReplayKey(ctx, "saml/"+assertionID, expiresAt)
}

// RecordTOTPStep inserts a consumed TOTP time-step for replay detection.
func (s *Store) RecordTOTPStep(ctx context.Context, principalID string, step int64, expiresAt time.Time) (bool, error) {
	return s.recordReplayKey(ctx, fmt.Sprintf("totp/%s/%d", principalID, step), expiresAt)
}

// recordReplayKey is first-writer-wins. An existing record only loses its
// claim once its own expiry has passed.
func (s *Store) recordReplayKey(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	now := toMillis(s.clock().UTC())
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_records (record_key, expires_at) VALUES (?, ?)
		ON CONFLICT(record_key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE replay_records.expires_at <= ?`,
		key, toMillis(expiresAt), now,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteExpiredReplayRecords reaps expired replay records.
func (s *Store) DeleteExpiredReplayRecords(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM replay_records WHERE expires_at <= ?`, toMillis(now))
	return err
}

// AppendAuditEvent appends an audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, event storage.AuditEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, kind, subject, metadata_json, ts) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Kind, event.Subject, string(metadata), toMillis(event.Timestamp),
	)
	return err
}
