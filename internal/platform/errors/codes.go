// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Credential errors. A single code covers unknown principals and wrong
	// proofs so callers cannot enumerate accounts.
	CodeCredentialInvalid  Code = "CREDENTIAL_INVALID"
	CodeCredentialCloning  Code = "CREDENTIAL_POSSIBLE_CLONING"
	CodeCredentialConflict Code = "CREDENTIAL_CONFLICT"

	// Token errors
	CodeTokenExpired          Code = "TOKEN_EXPIRED"
	CodeTokenSignatureInvalid Code = "TOKEN_SIGNATURE_INVALID"
	CodeTokenUnknownKey       Code = "TOKEN_UNKNOWN_KEY"
	CodeTokenAudienceMismatch Code = "TOKEN_AUDIENCE_MISMATCH"
	CodeTokenIssuerMismatch   Code = "TOKEN_ISSUER_MISMATCH"
	CodeTokenMalformed        Code = "TOKEN_MALFORMED"
	CodeSessionRevoked        Code = "SESSION_REVOKED"

	// Rotation errors
	CodeChainReused   Code = "ROTATION_CHAIN_REUSED"
	CodeChainNotFound Code = "ROTATION_CHAIN_NOT_FOUND"
	CodeChainExpired  Code = "ROTATION_CHAIN_EXPIRED"

	// OAuth errors
	CodeOAuthInvalidClient  Code = "OAUTH_INVALID_CLIENT"
	CodeOAuthInvalidRequest Code = "OAUTH_INVALID_REQUEST"
	CodeOAuthInvalidGrant   Code = "OAUTH_INVALID_GRANT"

	// SAML errors
	CodeSamlInvalidSignature     Code = "SAML_INVALID_SIGNATURE"
	CodeSamlAssertionExpired     Code = "SAML_ASSERTION_EXPIRED"
	CodeSamlAssertionNotYetValid Code = "SAML_ASSERTION_NOT_YET_VALID"
	CodeSamlAudienceMismatch     Code = "SAML_AUDIENCE_MISMATCH"
	CodeSamlReplayDetected       Code = "SAML_REPLAY_DETECTED"
	CodeSamlMalformed            Code = "SAML_MALFORMED"

	// Challenge errors
	CodeChallengeRetryLimit Code = "CHALLENGE_RETRY_LIMIT_EXCEEDED"
	CodeChallengeExpired    Code = "CHALLENGE_EXPIRED"
	CodeChallengeNotReady   Code = "CHALLENGE_NOT_READY"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeTimeout  Code = "TIMEOUT"
)

// GRPCCode maps domain codes to gRPC status codes for the transport boundary.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - malformed input
	case CodeTokenMalformed,
		CodeSamlMalformed,
		CodeOAuthInvalidRequest:
		return codes.InvalidArgument

	// Unauthenticated - proof or token did not check out
	case CodeCredentialInvalid,
		CodeCredentialCloning,
		CodeTokenExpired,
		CodeTokenSignatureInvalid,
		CodeTokenUnknownKey,
		CodeTokenAudienceMismatch,
		CodeTokenIssuerMismatch,
		CodeSessionRevoked,
		CodeSamlInvalidSignature,
		CodeSamlAssertionExpired,
		CodeSamlAssertionNotYetValid,
		CodeSamlAudienceMismatch,
		CodeSamlReplayDetected:
		return codes.Unauthenticated

	// PermissionDenied - caller identified but the grant is not acceptable
	case CodeChainReused,
		CodeOAuthInvalidClient,
		CodeOAuthInvalidGrant:
		return codes.PermissionDenied

	// FailedPrecondition - state does not allow the operation
	case CodeChainExpired,
		CodeChallengeRetryLimit,
		CodeChallengeExpired,
		CodeChallengeNotReady,
		CodeCredentialConflict:
		return codes.FailedPrecondition

	case CodeNotFound,
		CodeChainNotFound:
		return codes.NotFound

	case CodeTimeout:
		return codes.DeadlineExceeded

	default:
		return codes.Internal
	}
}
