package errors

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode represents a standardized error code. The first three digits
// are the HTTP status the code maps to.
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest           ErrorCode = "40001"
	ErrValidationFailed         ErrorCode = "40002"
	ErrTransactionFailed        ErrorCode = "40003"
	ErrNoQualifyingTransfer     ErrorCode = "40004"
	ErrInsufficientCreditsDebit ErrorCode = "40005"

	// Authentication errors (401xx)
	ErrInvalidSignature  ErrorCode = "40101"
	ErrInvalidAdminToken ErrorCode = "40102"

	// Payment errors (402xx)
	ErrInsufficientCredits ErrorCode = "40201"

	// Authorization errors (403xx)
	ErrForbidden ErrorCode = "40301"

	// Resource errors (404xx)
	ErrTransactionNotFound ErrorCode = "40401"
	ErrNotFound            ErrorCode = "40402"

	// Conflict errors (409xx)
	ErrDuplicateClaim ErrorCode = "40901"

	// Rate limit errors (429xx)
	ErrRateLimited         ErrorCode = "42901"
	ErrUpstreamRateLimited ErrorCode = "42902"

	// Server errors (5xxxx)
	ErrInternalServer      ErrorCode = "50001"
	ErrUpstreamError       ErrorCode = "50201"
	ErrUpstreamUnavailable ErrorCode = "50301"
	ErrNoCredential        ErrorCode = "50302"
	ErrUpstreamTimeout     ErrorCode = "50401"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying details.
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithMessage returns a copy of the error with a specific message.
func (e *APIError) WithMessage(message string) *APIError {
	cp := *e
	cp.Message = message
	return &cp
}

// ErrorDetail is the body of the "error" field in responses.
type ErrorDetail struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp string    `json:"timestamp"`
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         ErrorDetail `json:"error"`
	RequestID     string      `json:"request_id"`
	CorrelationID string      `json:"correlation_id"`
	Path          string      `json:"path,omitempty"`
	Method        string      `json:"method,omitempty"`
}

// NewErrorResponse builds the wire representation of err.
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) *ErrorResponse {
	if correlationID == "" {
		correlationID = requestID
	}
	return &ErrorResponse{
		Error: ErrorDetail{
			Code:      err.Code,
			Message:   err.Message,
			Details:   err.Details,
			Retryable: IsRetryable(err),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		RequestID:     requestID,
		CorrelationID: correlationID,
		Path:          path,
		Method:        method,
	}
}

// GetHTTPStatusFromCode derives the HTTP status from the code prefix.
func GetHTTPStatusFromCode(code ErrorCode) int {
	if len(code) < 3 {
		return http.StatusInternalServerError
	}
	status, err := strconv.Atoi(string(code[:3]))
	if err != nil || http.StatusText(status) == "" {
		return http.StatusInternalServerError
	}
	return status
}

// Common errors
var (
	ErrInvalidSignatureError = &APIError{
		Code:       ErrInvalidSignature,
		Message:    "Invalid wallet signature",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidAdminTokenError = &APIError{
		Code:       ErrInvalidAdminToken,
		Message:    "Unauthorized",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Cannot access another wallet's data",
		HTTPStatus: http.StatusForbidden,
	}

	ErrInsufficientCreditsError = &APIError{
		Code:       ErrInsufficientCredits,
		Message:    "Insufficient credits",
		HTTPStatus: http.StatusPaymentRequired,
	}

	ErrInsufficientCreditsDebitError = &APIError{
		Code:       ErrInsufficientCreditsDebit,
		Message:    "Insufficient credits",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrDuplicateClaimError = &APIError{
		Code:       ErrDuplicateClaim,
		Message:    "Transaction already processed",
		HTTPStatus: http.StatusConflict,
	}

	ErrTransactionNotFoundError = &APIError{
		Code:       ErrTransactionNotFound,
		Message:    "Transaction not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrTransactionFailedError = &APIError{
		Code:       ErrTransactionFailed,
		Message:    "Transaction failed on chain",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoQualifyingTransferError = &APIError{
		Code:       ErrNoQualifyingTransfer,
		Message:    "No valid transfer to treasury found",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNotFoundError = &APIError{
		Code:       ErrNotFound,
		Message:    "Not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrUpstreamRateLimitedError = &APIError{
		Code:       ErrUpstreamRateLimited,
		Message:    "Rate limited. Please try again later.",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrNoCredentialError = &APIError{
		Code:       ErrNoCredential,
		Message:    "API temporarily unavailable. Please try again later.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrUpstreamTimeoutError = &APIError{
		Code:       ErrUpstreamTimeout,
		Message:    "Upstream service timeout",
		HTTPStatus: http.StatusGatewayTimeout,
	}

	ErrUpstreamUnavailableError = &APIError{
		Code:       ErrUpstreamUnavailable,
		Message:    "Upstream service unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewAuthenticationError wraps a wallet authentication failure reason.
func NewAuthenticationError(reason string) *APIError {
	return ErrInvalidSignatureError.WithMessage(reason)
}

// NewUpstreamError passes an upstream HTTP failure through with its status.
func NewUpstreamError(status int, body string) *APIError {
	if status < 400 || http.StatusText(status) == "" {
		status = http.StatusBadGateway
	}
	return &APIError{
		Code:       ErrUpstreamError,
		Message:    fmt.Sprintf("API error: %d", status),
		Details:    body,
		HTTPStatus: status,
	}
}

// NewRateLimitError reports an inbound rate limit with a retry hint.
func NewRateLimitError(retryAfterSeconds int64) *APIError {
	return ErrRateLimitedError.WithDetails(map[string]int64{
		"retry_after_seconds": retryAfterSeconds,
	})
}

// NewInsufficientCreditsError carries the shortfall a caller must top up.
func NewInsufficientCreditsError(details any) *APIError {
	return ErrInsufficientCreditsError.WithDetails(details)
}

// IsRetryable reports whether a caller may retry the same request later.
func IsRetryable(err *APIError) bool {
	switch err.Code {
	case ErrRateLimited, ErrUpstreamRateLimited, ErrUpstreamTimeout,
		ErrUpstreamUnavailable, ErrNoCredential, ErrTransactionNotFound:
		return true
	}
	return false
}

func IsClientError(err *APIError) bool {
	return err.HTTPStatus >= 400 && err.HTTPStatus < 500
}

func IsServerError(err *APIError) bool {
	return err.HTTPStatus >= 500 && err.HTTPStatus < 600
}
