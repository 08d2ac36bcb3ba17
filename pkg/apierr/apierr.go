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
	CodeModelNotFound     = "model_not_found"
	CodeUnsupported       = "unsupported_feature"
	CodeMalformed         = "malformed_response"
	CodeUnavailable       = "provider_unavailable"
	CodeNotFound          = "not_found"
)

// DefaultRetryAfter is sent with a 429 when the upstream gave no hint.
const DefaultRetryAfter = "60"

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
	ctx.SetBody(Body(message, errType, code))
}

// Body returns the JSON envelope without writing it, for SSE error events.
func Body(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// WriteProviderError maps a status the upstream answered with to the gateway status.
//
//	Provider 429      → 429 + Retry-After (retryAfter, or 60)
//	Provider 401/403  → passed through as authentication_error
//	Provider 4xx      → passed through as invalid_request_error
//	Provider 5xx      → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg, retryAfter string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		WriteRateLimitMessage(ctx, msg, retryAfter)
	case providerStatus == fasthttp.StatusUnauthorized || providerStatus == fasthttp.StatusForbidden:
		Write(ctx, providerStatus, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteRateLimitMessage writes a 429 with the given Retry-After value.
func WriteRateLimitMessage(ctx *fasthttp.RequestCtx, msg, retryAfter string) {
	if retryAfter == "" {
		retryAfter = DefaultRetryAfter
	}
	ctx.Response.Header.Set("Retry-After", retryAfter)
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteNotFound writes a 404 invalid_request_error.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeInvalidRequest, CodeNotFound)
}
