package credential

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	apperrors "aegis/internal/platform/errors"
	"aegis/internal/storage"
)

// HashPassword derives a bcrypt hash for storage. The plaintext is never
// persisted and the hash never crosses back out of this package.
func HashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "hash password", err)
	}
	return hash, nil
}

// SetPassword stores the principal's password credential, replacing any
// previous one. A principal has exactly one password credential.
func (v *Verifier) SetPassword(ctx context.Context, principalID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return v.credentials.PutPasswordCredential(ctx, storage.PasswordCredential{
		PrincipalID: principalID,
		Hash:        hash,
		UpdatedAt:   v.clock().UTC(),
	})
}

// VerifyPassword checks a candidate password against the stored hash.
// bcrypt's comparison is constant-time over the digest.
func (v *Verifier) VerifyPassword(ctx context.Context, principalID, candidate string) error {
	stored, err := v.credentials.GetPasswordCredential(ctx, principalID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			// Burn a comparison anyway so missing principals cost the
			// same as wrong passwords.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(candidate))
			return ErrInvalid
		}
		return err
	}
	if bcrypt.CompareHashAndPassword(stored.Hash, []byte(candidate)) != nil {
		return ErrInvalid
	}
	return nil
}

// dummyHash is a bcrypt digest of an unguessable value, used to equalize
// timing between unknown principals and wrong passwords. It carries the same
// cost as stored hashes so the burned comparison takes as long as a real one.
var dummyHash = func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("aegis-timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
}()
