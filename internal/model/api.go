package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Limit int          `json:"limit"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodePaused        = "GOVERNANCE_PAUSED"
	ErrCodeWriteBlocked  = "WRITE_BLOCKED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ResolveRequest is the request body for POST /v1/resolve.
type ResolveRequest struct {
	Term    string `json:"term"`
	Context string `json:"context,omitempty"`
	K       int    `json:"k,omitempty"`
}

// GuardCheckRequest is the request body for POST /v1/guard/check.
type GuardCheckRequest struct {
	Resource string `json:"resource"`
	Actor    string `json:"actor"`
}

// GuardCheckResponse reports the guard verdict for a proposed write.
type GuardCheckResponse struct {
	Allowed  bool   `json:"allowed"`
	Resource string `json:"resource"`
	Matched  string `json:"matched,omitempty"`
}

// GovernancePauseRequest is the request body for POST /v1/governance/pause.
type GovernancePauseRequest struct {
	Reason string `json:"reason"`
}

// ReviewResolveRequest is the request body for POST /v1/review/{id}/resolve.
type ReviewResolveRequest struct {
	Status     ReviewStatus   `json:"status"`
	Resolution map[string]any `json:"resolution,omitempty"`
	ResolvedBy string         `json:"resolved_by"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Index    string `json:"index,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
