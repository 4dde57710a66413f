package auth

import "errors"

// ErrAuthentication is wrapped by every rejection the authenticator returns.
var ErrAuthentication = errors.New("wallet authentication failed")

// Rejection reasons
var (
	ErrMissingHeaders       = errors.New("Missing authentication headers")
	ErrMalformedTimestamp   = errors.New("Invalid timestamp")
	ErrSignatureExpired     = errors.New("Signature expired")
	ErrFutureTimestamp      = errors.New("Invalid timestamp (future)")
	ErrInvalidWalletAddress = errors.New("Invalid wallet address")
	ErrMissingBodyHash      = errors.New("Missing X-Body-Hash header for request with body")
	ErrBodyHashMismatch     = errors.New("Body hash mismatch - request may have been tampered")
	ErrMalformedSignature   = errors.New("Invalid signature encoding")
	ErrInvalidSignature     = errors.New("Invalid signature")
)

// AuthError is a rejection with the specific reason that caused it.
type AuthError struct {
	Reason error
}

func (e *AuthError) Error() string {
	return e.Reason.Error()
}

// Is lets callers match both the generic sentinel and the specific reason.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthentication || target == e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Reason
}

func reject(reason error) error {
	return &AuthError{Reason: reason}
}
