// Package session tracks issued sessions and their refresh rotation chains.
//
// Every session owns one rotation chain. Redeeming a refresh token advances
// the chain to a freshly minted token and retires the old one, so at any
// moment exactly one refresh token per chain is live. A redeem attempt with a
// retired token means the token leaked: the whole chain is revoked and every
// descendant token dies with it.
package session

import (
	"context"
	"time"

	"aegis/internal/audit"
	apperrors "aegis/internal/platform/errors"
	"aegis/internal/platform/id"
	"aegis/internal/storage"
	"aegis/internal/token"
)

var (
	// ErrReuseDetected indicates a retired refresh token was presented.
	// The chain is already revoked by the time this error returns.
	ErrReuseDetected = apperrors.New(apperrors.CodeChainReused, "refresh token reuse detected")
	// ErrRevoked indicates the session behind a token has been revoked.
	ErrRevoked = apperrors.New(apperrors.CodeSessionRevoked, "session is revoked")
	// ErrChainNotFound indicates the token references no known chain.
	ErrChainNotFound = apperrors.New(apperrors.CodeChainNotFound, "rotation chain not found")
	// ErrChainExpired indicates the chain outlived its refresh window.
	ErrChainExpired = apperrors.New(apperrors.CodeChainExpired, "rotation chain expired")
)

// TokenPair is one issued access/refresh pair bound to a session.
type TokenPair struct {
	SessionID        string
	ChainID          string
	Subject          string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Scope            []string
}

// Registry issues sessions and enforces rotation-chain integrity.
type Registry struct {
	sessions    storage.SessionStore
	tokens      *token.Engine
	audit       *audit.Emitter
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Config describes registry policy.
type Config struct {
	Clock       func() time.Time
	IDGenerator func() (string, error)
}

// New creates a session registry.
func New(sessions storage.SessionStore, tokens *token.Engine, emitter *audit.Emitter, cfg Config) (*Registry, error) {
	if sessions == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "session store is required")
	}
	if tokens == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "token engine is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.NewID
	}
	return &Registry{
		sessions:    sessions,
		tokens:      tokens,
		audit:       emitter,
		clock:       cfg.Clock,
		idGenerator: cfg.IDGenerator,
	}, nil
}

// Register opens a new session for an authenticated subject and mints its
// first token pair on a fresh rotation chain.
func (r *Registry) Register(ctx context.Context, subject string, scope []string, fingerprint string) (TokenPair, error) {
	sessionID, err := r.idGenerator()
	if err != nil {
		return TokenPair{}, apperrors.Wrap(apperrors.CodeUnknown, "generate session id", err)
	}
	chainID, err := r.idGenerator()
	if err != nil {
		return TokenPair{}, apperrors.Wrap(apperrors.CodeUnknown, "generate chain id", err)
	}

	pair, refreshID, err := r.mint(subject, scope, sessionID, chainID)
	if err != nil {
		return TokenPair{}, err
	}

	now := r.clock().UTC()
	err = r.sessions.PutSession(ctx, storage.Session{
		ID:              sessionID,
		Subject:         subject,
		ChainID:         chainID,
		Fingerprint:     fingerprint,
		Scope:           scope,
		LatestRefreshID: refreshID,
		CreatedAt:       now,
		ExpiresAt:       pair.RefreshExpiresAt,
	})
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Rotate redeems a refresh token for a new pair, advancing the chain.
//
// Presenting a retired token, or losing the advance race to a concurrent
// redeem of the same token, revokes the entire chain before returning
// ErrReuseDetected. At most one of two concurrent redeems of the same token
// can succeed; the store's compare-and-swap decides which.
func (r *Registry) Rotate(ctx context.Context, refreshToken, fingerprint string) (TokenPair, error) {
	claims, err := r.tokens.Verify(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Kind != token.KindRefresh || claims.ChainID == "" {
		return TokenPair{}, token.ErrMalformed
	}

	session, err := r.sessions.GetSessionByChain(ctx, claims.ChainID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return TokenPair{}, ErrChainNotFound
		}
		return TokenPair{}, err
	}
	if session.RevokedAt != nil {
		return TokenPair{}, ErrRevoked
	}
	now := r.clock().UTC()
	if now.After(session.ExpiresAt) {
		return TokenPair{}, ErrChainExpired
	}
	if session.Fingerprint != "" && fingerprint != session.Fingerprint {
		return TokenPair{}, r.condemnChain(ctx, session, "fingerprint_mismatch")
	}
	if claims.ID != session.LatestRefreshID {
		return TokenPair{}, r.condemnChain(ctx, session, "retired_token_presented")
	}

	pair, refreshID, err := r.mint(session.Subject, session.Scope, session.ID, session.ChainID)
	if err != nil {
		return TokenPair{}, err
	}
	advanced, err := r.sessions.AdvanceChain(ctx, session.ChainID, claims.ID, refreshID, pair.RefreshExpiresAt)
	if err != nil {
		return TokenPair{}, err
	}
	if !advanced {
		// A concurrent redeem of the same token won the swap.
		return TokenPair{}, r.condemnChain(ctx, session, "concurrent_redeem")
	}
	return pair, nil
}

// CheckActive verifies an access token and confirms its session has not been
// revoked out from under it.
func (r *Registry) CheckActive(ctx context.Context, accessToken string) (token.Claims, error) {
	claims, err := r.tokens.Verify(accessToken)
	if err != nil {
		return token.Claims{}, err
	}
	if claims.Kind != token.KindAccess {
		return token.Claims{}, token.ErrMalformed
	}
	if claims.ChainID == "" {
		return claims, nil
	}
	session, err := r.sessions.GetSessionByChain(ctx, claims.ChainID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return token.Claims{}, ErrRevoked
		}
		return token.Claims{}, err
	}
	if session.RevokedAt != nil {
		return token.Claims{}, ErrRevoked
	}
	return claims, nil
}

// Revoke revokes a single session by ID.
func (r *Registry) Revoke(ctx context.Context, sessionID string) error {
	now := r.clock().UTC()
	if err := r.sessions.RevokeSession(ctx, sessionID, now); err != nil {
		return err
	}
	return r.audit.Emit(ctx, audit.KindSessionRevoked, "", map[string]string{"session_id": sessionID})
}

// RevokeAllForSubject revokes every session a subject holds, across devices.
func (r *Registry) RevokeAllForSubject(ctx context.Context, subject string) error {
	now := r.clock().UTC()
	if err := r.sessions.RevokeAllForSubject(ctx, subject, now); err != nil {
		return err
	}
	return r.audit.Emit(ctx, audit.KindSessionRevoked, subject, map[string]string{"scope": "all"})
}

func (r *Registry) mint(subject string, scope []string, sessionID, chainID string) (TokenPair, string, error) {
	refreshToken, refreshClaims, err := r.tokens.Issue(subject, token.KindRefresh, scope, chainID)
	if err != nil {
		return TokenPair{}, "", err
	}
	accessToken, accessClaims, err := r.tokens.Issue(subject, token.KindAccess, scope, chainID)
	if err != nil {
		return TokenPair{}, "", err
	}
	return TokenPair{
		SessionID:        sessionID,
		ChainID:          chainID,
		Subject:          subject,
		AccessToken:      accessToken,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		Scope:            scope,
	}, refreshClaims.ID, nil
}

func (r *Registry) condemnChain(ctx context.Context, session storage.Session, reason string) error {
	now := r.clock().UTC()
	if err := r.sessions.RevokeChain(ctx, session.ChainID, now); err != nil {
		return err
	}
	metadata := map[string]string{
		"chain_id":   session.ChainID,
		"session_id": session.ID,
		"reason":     reason,
	}
	if err := r.audit.Emit(ctx, audit.KindChainReused, session.Subject, metadata); err != nil {
		return err
	}
	if err := r.audit.Emit(ctx, audit.KindChainRevoked, session.Subject, metadata); err != nil {
		return err
	}
	return ErrReuseDetected
}
