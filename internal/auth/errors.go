package auth

import "errors"

var (
	// ErrTokenInvalid is returned for malformed, unsigned or expired tokens.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrSecretTooShort is returned when signing with a weak secret.
	ErrSecretTooShort = errors.New("auth: secret must be at least 32 characters")

	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("auth: missing bearer token")
)
