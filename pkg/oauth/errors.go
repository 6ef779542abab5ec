package oauth

import "errors"

var (
	// ErrCSRFMismatch is returned when the callback's state does not carry
	// the CSRF token generated for the attempt. It indicates a forged
	// callback and is never retried.
	ErrCSRFMismatch = errors.New("oauth callback csrf token mismatch")

	// ErrAuthorizationDenied is returned when the authorization server
	// redirected back with an error parameter.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrInvalidTokenResponse is returned when the token endpoint answered
	// 2xx without the required fields.
	ErrInvalidTokenResponse = errors.New("invalid token response")
)
