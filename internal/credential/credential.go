// Package credential validates proofs of identity against stored credential
// records.
//
// Credentials are a closed set of variants: one password per principal, zero
// or one TOTP secret, zero or more WebAuthn credentials. Each variant has its
// own verification entry point; there is no open-ended dispatch. Failures
// collapse into ErrInvalid so callers cannot distinguish an unknown principal
// from a wrong proof.
package credential

import (
	"context"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "aegis/internal/platform/errors"
	"aegis/internal/storage"
)

var (
	// ErrInvalid indicates the proof did not check out. It deliberately
	// covers "no such credential" as well.
	ErrInvalid = apperrors.New(apperrors.CodeCredentialInvalid, "invalid credentials")
	// ErrPossibleCloning indicates a WebAuthn authenticator reported a
	// non-increasing signature counter.
	ErrPossibleCloning = apperrors.New(apperrors.CodeCredentialCloning, "authenticator counter did not increase")
)

// Method names a second-factor credential variant.
type Method string

const (
	MethodTOTP     Method = "totp"
	MethodWebAuthn Method = "webauthn"
)

// Verifier validates credential proofs.
type Verifier struct {
	credentials storage.CredentialStore
	replay      storage.ReplayStore
	web         *webauthn.WebAuthn
	clock       func() time.Time
	totpPeriod  uint
	totpSkew    uint
	totpIssuer  string
}

// Config describes verifier policy.
type Config struct {
	// RPDisplayName, RPID and RPOrigins configure WebAuthn ceremony
	// validation (origin and RP ID binding).
	RPDisplayName string
	RPID          string
	RPOrigins     []string
	// TOTPIssuer is stamped into provisioning URLs.
	TOTPIssuer string
	// TOTPPeriod is the TOTP time-step in seconds. TOTPSkew is how many
	// adjacent steps are accepted to tolerate clock drift.
	TOTPPeriod uint
	TOTPSkew   uint
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// New creates a credential verifier.
func New(credentials storage.CredentialStore, replay storage.ReplayStore, cfg Config) (*Verifier, error) {
	if credentials == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "credential store is required")
	}
	if replay == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "replay store is required")
	}
	if cfg.TOTPPeriod == 0 {
		cfg.TOTPPeriod = 30
	}
	if cfg.TOTPSkew == 0 {
		cfg.TOTPSkew = 1
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "aegis"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	var web *webauthn.WebAuthn
	if cfg.RPID != "" {
		var err error
		web, err = webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.RPDisplayName,
			RPID:          cfg.RPID,
			RPOrigins:     cfg.RPOrigins,
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, "configure webauthn", err)
		}
	}

	return &Verifier{
		credentials: credentials,
		replay:      replay,
		web:         web,
		clock:       cfg.Clock,
		totpPeriod:  cfg.TOTPPeriod,
		totpSkew:    cfg.TOTPSkew,
		totpIssuer:  cfg.TOTPIssuer,
	}, nil
}

// Enrollment reports which second factors a principal has enrolled.
type Enrollment struct {
	TOTP     bool
	WebAuthn bool
}

// EnrolledFactors reports the principal's second-factor enrollment state.
func (v *Verifier) EnrolledFactors(ctx context.Context, principalID string) (Enrollment, error) {
	var enrollment Enrollment
	if _, err := v.credentials.GetTOTPCredential(ctx, principalID); err == nil {
		enrollment.TOTP = true
	} else if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return Enrollment{}, err
	}
	creds, err := v.credentials.ListWebAuthnCredentials(ctx, principalID)
	if err != nil {
		return Enrollment{}, err
	}
	enrollment.WebAuthn = len(creds) > 0
	return enrollment, nil
}
