// Package token issues and verifies signed session tokens.
//
// Tokens are JWTs signed with the keyring's current EdDSA key. The signing
// key identifier travels in the JOSE header so verification can select the
// matching public key from a keyring snapshot. Verification is pure: it reads
// public material and the clock, nothing else. Revocation checks live in the
// session registry, which needs store lookups this package must not perform.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aegis/internal/keyring"
	apperrors "aegis/internal/platform/errors"
	"aegis/internal/platform/id"
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Default token lifetimes. Access lifetime is deliberately much shorter than
// refresh lifetime; revocation only has to outrun the access TTL.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 720 * time.Hour
)

var (
	// ErrExpired indicates the token lifetime has elapsed.
	ErrExpired = apperrors.New(apperrors.CodeTokenExpired, "token is expired")
	// ErrSignatureInvalid indicates the signature check failed.
	ErrSignatureInvalid = apperrors.New(apperrors.CodeTokenSignatureInvalid, "token signature is invalid")
	// ErrUnknownKey indicates the referenced signing key is not verifiable.
	ErrUnknownKey = apperrors.New(apperrors.CodeTokenUnknownKey, "token references an unknown signing key")
	// ErrAudienceMismatch indicates the token was minted for another audience.
	ErrAudienceMismatch = apperrors.New(apperrors.CodeTokenAudienceMismatch, "token audience mismatch")
	// ErrIssuerMismatch indicates the token was minted by another issuer.
	ErrIssuerMismatch = apperrors.New(apperrors.CodeTokenIssuerMismatch, "token issuer mismatch")
	// ErrMalformed indicates the token could not be parsed.
	ErrMalformed = apperrors.New(apperrors.CodeTokenMalformed, "token is malformed")
)

// Claims are the verified contents of an issued token.
type Claims struct {
	jwt.RegisteredClaims
	Scope   []string `json:"scope,omitempty"`
	Kind    Kind     `json:"kind"`
	ChainID string   `json:"chain_id,omitempty"`
}

// Engine issues and verifies signed tokens against a keyring.
type Engine struct {
	issuer      string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	keys        *keyring.Keyring
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Config describes token engine policy.
type Config struct {
	// Issuer is stamped into and required of every token.
	Issuer string
	// Audience is the default audience for issued tokens and the audience
	// verification requires.
	Audience string
	// AccessTTL and RefreshTTL bound token lifetimes per kind.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
	// IDGenerator overrides token identifier generation.
	IDGenerator func() (string, error)
}

// New creates a token engine backed by the provided keyring.
func New(keys *keyring.Keyring, cfg Config) (*Engine, error) {
	if keys == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "keyring is required")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, apperrors.New(apperrors.CodeUnknown, "token issuer is required")
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = issuer
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.NewID
	}
	return &Engine{
		issuer:      issuer,
		audience:    audience,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		keys:        keys,
		clock:       cfg.Clock,
		idGenerator: cfg.IDGenerator,
	}, nil
}

// TTL returns the configured lifetime for a token kind.
func (e *Engine) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return e.refreshTTL
	}
	return e.accessTTL
}

// Issue mints a signed token for the subject. The audience is the engine's
// configured one; every token this engine mints addresses the same service.
// Refresh tokens must carry the rotation chain identifier binding them to
// their session lineage.
func (e *Engine) Issue(subject string, kind Kind, scope []string, chainID string) (string, Claims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", Claims{}, apperrors.New(apperrors.CodeUnknown, "token subject is required")
	}
	if kind != KindAccess && kind != KindRefresh {
		return "", Claims{}, apperrors.New(apperrors.CodeUnknown, "unknown token kind")
	}
	if kind == KindRefresh && strings.TrimSpace(chainID) == "" {
		return "", Claims{}, apperrors.New(apperrors.CodeUnknown, "refresh token requires a rotation chain id")
	}

	tokenID, err := e.idGenerator()
	if err != nil {
		return "", Claims{}, apperrors.Wrap(apperrors.CodeUnknown, "generate token id", err)
	}

	now := e.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{e.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.TTL(kind))),
			ID:        tokenID,
		},
		Scope:   scope,
		Kind:    kind,
		ChainID: chainID,
	}

	keyID, signer := e.keys.Current()
	unsigned := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	unsigned.Header["kid"] = keyID
	signed, err := unsigned.SignedString(signer)
	if err != nil {
		return "", Claims{}, apperrors.Wrap(apperrors.CodeUnknown, "sign token", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a signed token. It selects the verification key
// by the kid header from a keyring snapshot taken for this call, then checks
// expiry, issuer, and audience against engine policy.
func (e *Engine) Verify(signed string) (Claims, error) {
	snapshot := e.keys.Snapshot()

	var claims Claims
	_, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (any, error) {
		keyID, _ := t.Header["kid"].(string)
		if keyID == "" {
			return nil, ErrUnknownKey
		}
		public, ok := snapshot.Lookup(keyID)
		if !ok {
			return nil, ErrUnknownKey
		}
		return public, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapParseError(err)
	}

	now := e.clock().UTC()
	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Time) {
		return Claims{}, ErrExpired
	}
	if claims.Issuer != e.issuer {
		return Claims{}, ErrIssuerMismatch
	}
	if !audienceContains(claims.Audience, e.audience) {
		return Claims{}, ErrAudienceMismatch
	}
	return claims, nil
}

func audienceContains(audience jwt.ClaimStrings, want string) bool {
	for _, value := range audience {
		if value == want {
			return true
		}
	}
	return false
}

func mapParseError(err error) error {
	switch {
	case apperrors.IsCode(err, apperrors.CodeTokenUnknownKey):
		return ErrUnknownKey
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	default:
		return apperrors.Wrap(apperrors.CodeTokenMalformed, "parse token", err)
	}
}
