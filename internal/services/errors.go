package services

import "errors"

// Ceremony flow errors. All of these mean the ceremony must be restarted
// with a fresh flow; none are retried server-side.
var (
	ErrUnknownFlow           = errors.New("unknown flow")
	ErrFlowKindMismatch      = errors.New("flow kind mismatch")
	ErrFlowConsumed          = errors.New("flow already consumed")
	ErrFlowExpired           = errors.New("flow expired")
	ErrFlowOwnershipMismatch = errors.New("flow does not belong to current user")
)

// Credential errors.
var (
	// ErrVerificationFailed covers any cryptographic or structural mismatch
	// in a ceremony response, including a non-increasing signature counter
	// from an authenticator that declares counter support.
	ErrVerificationFailed = errors.New("webauthn verification failed")

	ErrUnknownCredential  = errors.New("unknown or revoked credential")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialRevoked  = errors.New("credential already revoked")
	ErrNameTooLong        = errors.New("name must be 64 characters or fewer")

	// ErrLastPasskey is the invariant violation: a user with any active
	// credential must always retain at least one.
	ErrLastPasskey = errors.New("cannot revoke the last active passkey")
)

// Device and token errors. Handlers surface all of these uniformly as an
// authentication failure; the specific sentinel is for logs and tests.
var (
	ErrMalformedKey     = errors.New("malformed device public key")
	ErrMissingKeyID     = errors.New("missing kid in token header")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceRevoked    = errors.New("device revoked")
	ErrInvalidDeviceKey = errors.New("invalid stored device key")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingAudience  = errors.New("missing aud claim")
	ErrInvalidAudience  = errors.New("invalid aud claim")
	ErrUserNotFound     = errors.New("user not found")
)

// Password capability errors.
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidResetToken  = errors.New("invalid or already-used reset token")
	ErrResetTokenExpired  = errors.New("reset token expired")
)
