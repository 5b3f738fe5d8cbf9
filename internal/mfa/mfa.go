// Package mfa coordinates second-factor challenges.
//
// A challenge is created after primary verification succeeds and tracks one
// pending second-factor ceremony: which method, how many attempts remain, and
// when it expires. Challenges are single-use. A satisfied challenge is handed
// off exactly once via Consume; a failed or expired challenge can never be
// revived.
package mfa

import (
	"context"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"aegis/internal/credential"
	apperrors "aegis/internal/platform/errors"
	"aegis/internal/storage"
)

// Challenge lifecycle states.
const (
	StatePending   = "pending"
	StateSatisfied = "satisfied"
	StateFailed    = "failed"
)

const (
	// DefaultTTL bounds how long a challenge stays answerable.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxAttempts bounds wrong answers before the challenge fails
	// permanently.
	DefaultMaxAttempts = 5
)

var (
	// ErrRetryLimit indicates the challenge failed permanently after too
	// many wrong answers.
	ErrRetryLimit = apperrors.New(apperrors.CodeChallengeRetryLimit, "challenge retry limit exceeded")
	// ErrExpired indicates the challenge outlived its window.
	ErrExpired = apperrors.New(apperrors.CodeChallengeExpired, "challenge expired")
	// ErrNotReady indicates a handoff was attempted before the challenge
	// was satisfied.
	ErrNotReady = apperrors.New(apperrors.CodeChallengeNotReady, "challenge is not satisfied")
)

// Coordinator drives second-factor challenges from creation to handoff.
type Coordinator struct {
	challenges  storage.ChallengeStore
	principals  storage.PrincipalStore
	verifier    *credential.Verifier
	ttl         time.Duration
	maxAttempts int
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Config describes coordinator policy.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	Clock       func() time.Time
	IDGenerator func() (string, error)
}

// New creates a challenge coordinator.
func New(challenges storage.ChallengeStore, principals storage.PrincipalStore, verifier *credential.Verifier, cfg Config) (*Coordinator, error) {
	if challenges == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "challenge store is required")
	}
	if principals == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "principal store is required")
	}
	if verifier == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "credential verifier is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDGenerator == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "id generator is required")
	}
	return &Coordinator{
		challenges:  challenges,
		principals:  principals,
		verifier:    verifier,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
		idGenerator: cfg.IDGenerator,
	}, nil
}

// Prompt is what the caller relays to the client to answer a challenge. For
// WebAuthn challenges it carries the assertion options; TOTP challenges need
// nothing beyond the challenge ID.
type Prompt struct {
	Challenge storage.Challenge
	WebAuthn  *protocol.CredentialAssertion
}

// Start opens a challenge for a principal whose primary credential already
// verified. For WebAuthn the assertion ceremony begins here and its state
// rides inside the stored challenge.
func (c *Coordinator) Start(ctx context.Context, principalID string, method credential.Method, scope []string, fingerprint string) (Prompt, error) {
	id, err := c.idGenerator()
	if err != nil {
		return Prompt{}, apperrors.Wrap(apperrors.CodeUnknown, "generate challenge id", err)
	}
	now := c.clock().UTC()
	challenge := storage.Challenge{
		ID:          id,
		PrincipalID: principalID,
		State:       StatePending,
		Method:      string(method),
		Scope:       scope,
		Fingerprint: fingerprint,
		MaxAttempts: c.maxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}

	prompt := Prompt{}
	if method == credential.MethodWebAuthn {
		principal, err := c.principals.GetPrincipal(ctx, principalID)
		if err != nil {
			return Prompt{}, err
		}
		assertion, session, err := c.verifier.BeginAssertion(ctx, principal)
		if err != nil {
			return Prompt{}, err
		}
		encoded, err := credential.MarshalSessionData(session)
		if err != nil {
			return Prompt{}, err
		}
		challenge.WebAuthnJSON = encoded
		prompt.WebAuthn = assertion
	}

	if err := c.challenges.PutChallenge(ctx, challenge); err != nil {
		return Prompt{}, err
	}
	prompt.Challenge = challenge
	return prompt, nil
}

// Answer verifies a proof against a pending challenge.
//
// A wrong proof burns one attempt; the challenge stays answerable until the
// attempt budget is spent, at which point it fails permanently and every
// later call reports ErrRetryLimit. Expiry is checked lazily on access.
func (c *Coordinator) Answer(ctx context.Context, challengeID string, proof []byte) (storage.Challenge, error) {
	challenge, err := c.load(ctx, challengeID)
	if err != nil {
		return storage.Challenge{}, err
	}
	switch challenge.State {
	case StateSatisfied:
		return challenge, nil
	case StateFailed:
		return storage.Challenge{}, ErrRetryLimit
	}

	verifyErr := c.verify(ctx, challenge, proof)
	if verifyErr == nil {
		challenge.State = StateSatisfied
		if err := c.challenges.PutChallenge(ctx, challenge); err != nil {
			return storage.Challenge{}, err
		}
		return challenge, nil
	}
	if !apperrors.IsCode(verifyErr, apperrors.CodeCredentialInvalid) &&
		!apperrors.IsCode(verifyErr, apperrors.CodeCredentialCloning) {
		return storage.Challenge{}, verifyErr
	}

	challenge.Attempts++
	if challenge.Attempts >= challenge.MaxAttempts {
		challenge.State = StateFailed
	}
	if err := c.challenges.PutChallenge(ctx, challenge); err != nil {
		return storage.Challenge{}, err
	}
	if challenge.State == StateFailed {
		return storage.Challenge{}, ErrRetryLimit
	}
	return storage.Challenge{}, verifyErr
}

// Consume hands off a satisfied challenge exactly once, deleting it so the
// same proof-of-MFA cannot mint two sessions.
func (c *Coordinator) Consume(ctx context.Context, challengeID string) (storage.Challenge, error) {
	challenge, err := c.load(ctx, challengeID)
	if err != nil {
		return storage.Challenge{}, err
	}
	if challenge.State != StateSatisfied {
		return storage.Challenge{}, ErrNotReady
	}
	if err := c.challenges.DeleteChallenge(ctx, challenge.ID); err != nil {
		return storage.Challenge{}, err
	}
	return challenge, nil
}

// ReapExpired deletes challenges past their window. Expiry is otherwise
// enforced lazily, so this only reclaims storage.
func (c *Coordinator) ReapExpired(ctx context.Context) error {
	return c.challenges.DeleteExpiredChallenges(ctx, c.clock().UTC())
}

func (c *Coordinator) load(ctx context.Context, challengeID string) (storage.Challenge, error) {
	challenge, err := c.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		return storage.Challenge{}, err
	}
	if !c.clock().UTC().Before(challenge.ExpiresAt) {
		if err := c.challenges.DeleteChallenge(ctx, challenge.ID); err != nil {
			return storage.Challenge{}, err
		}
		return storage.Challenge{}, ErrExpired
	}
	return challenge, nil
}

func (c *Coordinator) verify(ctx context.Context, challenge storage.Challenge, proof []byte) error {
	switch credential.Method(challenge.Method) {
	case credential.MethodTOTP:
		return c.verifier.VerifyTOTP(ctx, challenge.PrincipalID, string(proof))
	case credential.MethodWebAuthn:
		principal, err := c.principals.GetPrincipal(ctx, challenge.PrincipalID)
		if err != nil {
			return err
		}
		session, err := credential.UnmarshalSessionData(challenge.WebAuthnJSON)
		if err != nil {
			return err
		}
		return c.verifier.VerifyAssertion(ctx, principal, session, proof)
	default:
		return apperrors.New(apperrors.CodeUnknown, "unknown challenge method")
	}
}
