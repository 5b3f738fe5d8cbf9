// Package audit records security-relevant events for the auditing
// collaborator.
package audit

import (
	"context"
	"time"

	"aegis/internal/platform/id"
	"aegis/internal/storage"
)

// Event kinds emitted by the identity core.
const (
	KindLoginSucceeded     = "LOGIN_SUCCEEDED"
	KindLoginFailed        = "LOGIN_FAILED"
	KindChallengeFailed    = "CHALLENGE_FAILED"
	KindPossibleCloning    = "POSSIBLE_CLONING"
	KindChainReused        = "CHAIN_REUSED"
	KindChainRevoked       = "CHAIN_REVOKED"
	KindSessionRevoked     = "SESSION_REVOKED"
	KindSamlReplayDetected = "SAML_REPLAY_DETECTED"
	KindSamlRejected       = "SAML_REJECTED"
	KindCodeRedeemed       = "CODE_REDEEMED"
	KindCodeRejected       = "CODE_REJECTED"
)

// Emitter records audit events.
type Emitter struct {
	store storage.AuditStore
	clock func() time.Time
}

// NewEmitter creates a new audit emitter.
func NewEmitter(store storage.AuditStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// WithClock overrides the emitter's clock, mainly for tests.
func (e *Emitter) WithClock(clock func() time.Time) *Emitter {
	if e != nil && clock != nil {
		e.clock = clock
	}
	return e
}

// Emit records an audit event. It is a no-op when the store is nil, so
// callers never need to guard their emit sites.
func (e *Emitter) Emit(ctx context.Context, kind, subject string, metadata map[string]string) error {
	if e == nil || e.store == nil {
		return nil
	}
	eventID, err := id.NewID()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.clock != nil {
		now = e.clock().UTC()
	}
	return e.store.AppendAuditEvent(ctx, storage.AuditEvent{
		ID:        eventID,
		Kind:      kind,
		Subject:   subject,
		Metadata:  metadata,
		Timestamp: now,
	})
}
