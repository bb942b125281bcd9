package model

import "time"

// Error codes returned in the API error envelope.
const (
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternalError = "internal_error"
	ErrCodeUnavailable   = "unavailable"
)

// APIResponse is the standard success envelope for HTTP responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope for HTTP responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a stable machine-readable code plus a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every HTTP response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
