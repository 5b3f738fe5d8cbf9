package credential

import (
	"context"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	apperrors "aegis/internal/platform/errors"
	"aegis/internal/storage"
)

// EnrollTOTP provisions a TOTP secret for the principal and returns the
// otpauth URL for authenticator apps. A principal has at most one TOTP
// secret; re-enrollment replaces it.
func (v *Verifier) EnrollTOTP(ctx context.Context, principalID, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.totpIssuer,
		AccountName: accountName,
		Period:      v.totpPeriod,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "generate totp secret", err)
	}
	err = v.credentials.PutTOTPCredential(ctx, storage.TOTPCredential{
		PrincipalID: principalID,
		Secret:      key.Secret(),
		CreatedAt:   v.clock().UTC(),
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// VerifyTOTP checks a code against the principal's secret, accepting codes
// from up to totpSkew adjacent time-steps to tolerate clock drift. A code
// that already passed for a given time-step is rejected on replay: the
// matched step is claimed in the replay store, first writer wins.
func (v *Verifier) VerifyTOTP(ctx context.Context, principalID, code string) error {
	stored, err := v.credentials.GetTOTPCredential(ctx, principalID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return ErrInvalid
		}
		return err
	}

	at := v.clock().UTC()
	period := time.Duration(v.totpPeriod) * time.Second
	opts := totp.ValidateOpts{
		Period:    v.totpPeriod,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	// Probe each allowed step individually so we know which one matched.
	for offset := -int(v.totpSkew); offset <= int(v.totpSkew); offset++ {
		probe := at.Add(time.Duration(offset) * period)
		ok, err := totp.ValidateCustom(code, stored.Secret, probe, opts)
		if err != nil || !ok {
			continue
		}

		step := probe.Unix() / int64(v.totpPeriod)
		// Keep the claim long enough for every probe that could still
		// accept this step.
		expiry := at.Add(time.Duration(v.totpSkew+1) * period)
		inserted, err := v.replay.RecordTOTPStep(ctx, principalID, step, expiry)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrInvalid
		}
		return nil
	}
	return ErrInvalid
}
