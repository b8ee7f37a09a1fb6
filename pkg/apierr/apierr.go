// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// Kind is a closed classification of gateway errors, coarser than the
// OpenAI-shaped Type/Code pair above and used for internal routing decisions
// (retry eligibility, metrics labels, log severity) that don't belong in the
// client-facing envelope.
type Kind string

const (
	ClientRequestInvalid Kind = "client_request_invalid"
	Unauthenticated      Kind = "unauthenticated"
	Unauthorized         Kind = "unauthorized"
	RateLimitedLocal     Kind = "rate_limited_local"
	RateLimitedUpstream  Kind = "rate_limited_upstream"
	UpstreamRetryable    Kind = "upstream_retryable"
	UpstreamFatal        Kind = "upstream_fatal"
	Timeout              Kind = "timeout"
	ConfigInvalid        Kind = "config_invalid"
	Internal             Kind = "internal"
)

// kindStatus maps each Kind to the HTTP status written to the client.
// UpstreamRetryable never reaches the client as its own status — by the time
// every fallback candidate is exhausted it surfaces as 503 (see Status).
var kindStatus = map[Kind]int{
	ClientRequestInvalid: fasthttp.StatusBadRequest,
	Unauthenticated:      fasthttp.StatusUnauthorized,
	Unauthorized:         fasthttp.StatusForbidden,
	RateLimitedLocal:     fasthttp.StatusTooManyRequests,
	RateLimitedUpstream:  fasthttp.StatusTooManyRequests,
	UpstreamRetryable:    fasthttp.StatusServiceUnavailable,
	UpstreamFatal:        fasthttp.StatusBadGateway,
	Timeout:              fasthttp.StatusGatewayTimeout,
	ConfigInvalid:        fasthttp.StatusInternalServerError,
	Internal:             fasthttp.StatusInternalServerError,
}

// Status returns the HTTP status a Kind maps to, or 500 for an unknown kind.
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// Error is a Kind-classified error that also carries the OpenAI-shaped
// type/code pair Write expects, plus an optional provider-scoped code
// (e.g. the upstream's own error code, unmodified) for diagnostics.
type Error struct {
	Kind         Kind
	Message      string
	Type         string
	Code         string
	ProviderCode string
}

func (e *Error) Error() string { return e.Message }

// WriteKind writes err's classification to the response, tagging the
// provider-scoped code onto the message when present so it survives in logs
// and client-visible text without adding a new envelope field.
func WriteKind(ctx *fasthttp.RequestCtx, err *Error) {
	msg := err.Message
	if err.ProviderCode != "" {
		msg = msg + " (provider code: " + err.ProviderCode + ")"
	}
	Write(ctx, err.Kind.Status(), msg, err.Type, err.Code)
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not mapped here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
