package authgate

import "errors"

var (
	// ErrMissingKey is returned when the Authorization header is absent or
	// does not carry a Bearer token in the expected ek_live_ format.
	ErrMissingKey = errors.New("authgate: missing or malformed api key")

	// ErrInvalidKey is returned when no credential matches the supplied
	// prefix and secret digest.
	ErrInvalidKey = errors.New("authgate: invalid api key")

	// ErrRevoked is returned when the matched credential has been revoked or
	// its tenant has been suspended.
	ErrRevoked = errors.New("authgate: credential revoked")

	// ErrIPDenied is returned when the request's source address does not
	// match the tenant's IP allowlist.
	ErrIPDenied = errors.New("authgate: source ip not allowed")
)
