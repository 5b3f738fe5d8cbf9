package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "aegis/internal/platform/errors"
	"aegis/internal/storage"
)

// webauthnUser adapts a principal and its stored credentials to the
// webauthn.User interface.
type webauthnUser struct {
	principal   storage.Principal
	credentials []webauthn.Credential
}

func (u webauthnUser) WebAuthnID() []byte {
	return []byte(u.principal.ID)
}

func (u webauthnUser) WebAuthnName() string {
	return u.principal.Username
}

func (u webauthnUser) WebAuthnDisplayName() string {
	return u.principal.Username
}

func (u webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (v *Verifier) loadWebAuthnUser(ctx context.Context, principal storage.Principal) (webauthnUser, error) {
	records, err := v.credentials.ListWebAuthnCredentials(ctx, principal.ID)
	if err != nil {
		return webauthnUser{}, err
	}
	user := webauthnUser{principal: principal}
	for _, record := range records {
		var cred webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &cred); err != nil {
			return webauthnUser{}, apperrors.Wrap(apperrors.CodeUnknown, "decode stored credential", err)
		}
		user.credentials = append(user.credentials, cred)
	}
	return user, nil
}

func credentialRecordID(cred *webauthn.Credential) string {
	return base64.RawURLEncoding.EncodeToString(cred.ID)
}

// MarshalSessionData encodes WebAuthn ceremony state for challenge storage.
func MarshalSessionData(session *webauthn.SessionData) (string, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "encode webauthn session", err)
	}
	return string(raw), nil
}

// UnmarshalSessionData decodes WebAuthn ceremony state from challenge
// storage.
func UnmarshalSessionData(encoded string) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(encoded), &session); err != nil {
		return webauthn.SessionData{}, apperrors.Wrap(apperrors.CodeUnknown, "decode webauthn session", err)
	}
	return session, nil
}

// BeginRegistration starts a WebAuthn registration ceremony. Existing
// credentials are excluded so an authenticator cannot be enrolled twice.
func (v *Verifier) BeginRegistration(ctx context.Context, principal storage.Principal) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	if v.web == nil {
		return nil, nil, apperrors.New(apperrors.CodeUnknown, "webauthn is not configured")
	}
	user, err := v.loadWebAuthnUser(ctx, principal)
	if err != nil {
		return nil, nil, err
	}
	var opts []webauthn.RegistrationOption
	if len(user.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}
	creation, session, err := v.web.BeginRegistration(user, opts...)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeUnknown, "begin webauthn registration", err)
	}
	return creation, session, nil
}

// FinishRegistration validates the authenticator's registration response and
// stores the new credential.
func (v *Verifier) FinishRegistration(ctx context.Context, principal storage.Principal, session webauthn.SessionData, responseJSON []byte) error {
	if v.web == nil {
		return apperrors.New(apperrors.CodeUnknown, "webauthn is not configured")
	}
	user, err := v.loadWebAuthnUser(ctx, principal)
	if err != nil {
		return err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return ErrInvalid
	}
	cred, err := v.web.CreateCredential(user, session, parsed)
	if err != nil {
		return ErrInvalid
	}
	return v.storeCredential(ctx, principal.ID, cred, nil)
}

// BeginAssertion starts a WebAuthn login ceremony against the principal's
// enrolled credentials.
func (v *Verifier) BeginAssertion(ctx context.Context, principal storage.Principal) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if v.web == nil {
		return nil, nil, apperrors.New(apperrors.CodeUnknown, "webauthn is not configured")
	}
	user, err := v.loadWebAuthnUser(ctx, principal)
	if err != nil {
		return nil, nil, err
	}
	if len(user.credentials) == 0 {
		return nil, nil, ErrInvalid
	}
	assertion, session, err := v.web.BeginLogin(user)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeUnknown, "begin webauthn login", err)
	}
	return assertion, session, nil
}

// VerifyAssertion validates an authenticator assertion: challenge binding,
// origin, signature over the authenticator data, and a strictly increasing
// signature counter. A non-increasing counter is surfaced as
// ErrPossibleCloning so callers can treat it as a clone-detection signal.
func (v *Verifier) VerifyAssertion(ctx context.Context, principal storage.Principal, session webauthn.SessionData, responseJSON []byte) error {
	if v.web == nil {
		return apperrors.New(apperrors.CodeUnknown, "webauthn is not configured")
	}
	user, err := v.loadWebAuthnUser(ctx, principal)
	if err != nil {
		return err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return ErrInvalid
	}
	cred, err := v.web.ValidateLogin(user, session, parsed)
	if err != nil {
		return ErrInvalid
	}
	if cred.Authenticator.CloneWarning {
		return ErrPossibleCloning
	}
	usedAt := v.clock().UTC()
	return v.storeCredential(ctx, principal.ID, cred, &usedAt)
}

func (v *Verifier) storeCredential(ctx context.Context, principalID string, cred *webauthn.Credential, usedAt *time.Time) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "encode credential", err)
	}
	now := v.clock().UTC()
	record := storage.WebAuthnCredential{
		CredentialID:   credentialRecordID(cred),
		PrincipalID:    principalID,
		CredentialJSON: string(raw),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastUsedAt:     usedAt,
	}
	if existing, err := v.credentials.GetWebAuthnCredential(ctx, record.CredentialID); err == nil {
		record.CreatedAt = existing.CreatedAt
	}
	return v.credentials.PutWebAuthnCredential(ctx, record)
}
