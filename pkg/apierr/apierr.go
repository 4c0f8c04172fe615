// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeInsufficientFunds = "insufficient_quota"
	TypeServerError       = "server_error"
)

// Code constants. These mirror the gateway's error-code taxonomy: every
// admission/routing/billing failure maps to exactly one of these, not a raw
// upstream status code, so clients get a stable contract across 25+
// upstream providers.
const (
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeInternalError        = "internal_error"
	CodeProviderError        = "provider_error"
	CodeRequestTimeout       = "request_timeout"
	CodeNotImplemented       = "not_implemented"
	CodeInvalidRequest       = "invalid_request"
	CodeUnauthenticated      = "unauthenticated"
	CodeForbidden            = "forbidden"
	CodeModelNotFound        = "model_not_found"
	CodeContextTooLong       = "context_too_long"
	CodeContentFiltered      = "content_filtered"
	CodeInsufficientCredits  = "insufficient_credits"
	CodeTrialExhausted       = "trial_exhausted"
	CodeUpstreamUnavailable  = "upstream_unavailable"
	CodeUpstreamTimeout      = "upstream_timeout"
	CodeUpstreamUnknownError = "upstream_unknown_error"
)

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
// Timeouts are not handled here; WriteTimeout writes the 504.
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

// WriteRateLimit writes a 429 rate limit error with a Retry-After header
// derived from the rejecting window's remainder. retryAfterSeconds <= 0
// falls back to 60.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUnauthenticated writes a 401 for a missing or unresolvable API key.
func WriteUnauthenticated(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeUnauthenticated)
}

// WriteForbidden writes a 403 for a key lacking a required scope, or a
// perimeter check (IP/referrer) rejection.
func WriteForbidden(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionErr, CodeForbidden)
}

// WriteModelNotFound writes a 404 for a model id absent from every gateway's
// catalog.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, "model not found: "+model, TypeInvalidRequest, CodeModelNotFound)
}

// WriteContextTooLong writes a 400 for a request exceeding the target
// model's context window.
func WriteContextTooLong(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeContextTooLong)
}

// WriteContentFiltered writes a 400 for an upstream content-policy rejection.
func WriteContentFiltered(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeContentFiltered)
}

// WriteInsufficientCredits writes a 402 when a user's balance cannot cover
// the estimated cost of the request.
func WriteInsufficientCredits(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "insufficient credits", TypeInsufficientFunds, CodeInsufficientCredits)
}

// WriteTrialExhausted writes a 402 when a trial user has used up their free
// token/request/day allowance and has no paid balance.
func WriteTrialExhausted(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "trial allowance exhausted", TypeInsufficientFunds, CodeTrialExhausted)
}

// WriteUpstreamUnavailable writes a 503 with code upstream_unavailable. No
// handler in this module calls it; an exhausted failover plan is written
// from its classification through FromClassification.
func WriteUpstreamUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeProviderError, CodeUpstreamUnavailable)
}

// FromClassification maps a providers.Classification-equivalent string (the
// classification package constants, passed as plain strings to avoid an
// import cycle) to the (status, type, code) triple written to clients.
func FromClassification(class string, msg string) (status int, errType string, code string) {
	switch class {
	case "auth":
		return fasthttp.StatusUnauthorized, TypeAuthenticationErr, CodeUnauthenticated
	case "not_found":
		return fasthttp.StatusNotFound, TypeInvalidRequest, CodeModelNotFound
	case "rate_limited":
		return fasthttp.StatusTooManyRequests, TypeRateLimitError, CodeRateLimitExceeded
	case "bad_request":
		return fasthttp.StatusBadRequest, TypeInvalidRequest, CodeInvalidRequest
	case "context_too_long":
		return fasthttp.StatusBadRequest, TypeInvalidRequest, CodeContextTooLong
	case "content_filter":
		return fasthttp.StatusBadRequest, TypeInvalidRequest, CodeContentFiltered
	case "upstream_5xx":
		return fasthttp.StatusBadGateway, TypeProviderError, CodeProviderError
	case "timeout":
		return fasthttp.StatusGatewayTimeout, TypeProviderError, CodeUpstreamTimeout
	case "network":
		return fasthttp.StatusServiceUnavailable, TypeProviderError, CodeUpstreamUnavailable
	default:
		return fasthttp.StatusBadGateway, TypeProviderError, CodeUpstreamUnknownError
	}
}
