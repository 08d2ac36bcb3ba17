package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

// errorEnvelope returns the status, type and code a failure is reported with.
//
//	UnknownModel        → 400 model_not_found
//	UnsupportedFeature  → 400 unsupported_feature (501 not_implemented)
//	UpstreamUnavailable → 502 provider_unavailable (504 request_timeout)
//	UpstreamRejected    → upstream 4xx, 429 rate_limit_exceeded, 5xx → 502
//	UpstreamMalformed   → 502 malformed_response
//	ClientCancelled     → 499
//	anything else       → 500 internal_error
func errorEnvelope(err error) (status int, errType, code string) {
	var pe *providers.Error
	if !errors.As(err, &pe) {
		if errors.Is(err, context.DeadlineExceeded) {
			return fasthttp.StatusGatewayTimeout, apierr.TypeProviderError, apierr.CodeRequestTimeout
		}
		return fasthttp.StatusInternalServerError, apierr.TypeServerError, apierr.CodeInternalError
	}

	status = pe.HTTPStatus()
	switch pe.Kind {
	case providers.KindUnknownModel:
		return status, apierr.TypeInvalidRequest, apierr.CodeModelNotFound
	case providers.KindUnsupportedFeature:
		if status == http.StatusNotImplemented {
			return status, apierr.TypeInvalidRequest, apierr.CodeNotImplemented
		}
		return status, apierr.TypeInvalidRequest, apierr.CodeUnsupported
	case providers.KindUpstreamUnavailable:
		if status == http.StatusGatewayTimeout {
			return status, apierr.TypeProviderError, apierr.CodeRequestTimeout
		}
		return status, apierr.TypeProviderError, apierr.CodeUnavailable
	case providers.KindUpstreamRejected:
		switch {
		case status == http.StatusTooManyRequests:
			return status, apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return status, apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey
		case status >= 400 && status < 500:
			return status, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest
		}
		return status, apierr.TypeProviderError, apierr.CodeProviderError
	case providers.KindUpstreamMalformed:
		return status, apierr.TypeProviderError, apierr.CodeMalformed
	case providers.KindClientCancelled:
		return status, apierr.TypeInvalidRequest, "client_cancelled"
	}
	return fasthttp.StatusInternalServerError, apierr.TypeServerError, apierr.CodeInternalError
}

// handleProviderError writes err as an OpenAI error envelope and returns
// the status written.
func handleProviderError(ctx *fasthttp.RequestCtx, err error) int {
	var pe *providers.Error
	if errors.As(err, &pe) && pe.Kind == providers.KindUpstreamRejected {
		status := pe.HTTPStatus()
		if status >= 400 && status < 500 {
			apierr.WriteProviderError(ctx, status, err.Error(), pe.RetryAfter)
			return ctx.Response.StatusCode()
		}
	}
	status, errType, code := errorEnvelope(err)
	apierr.Write(ctx, status, err.Error(), errType, code)
	return status
}

// classifyError converts an error into a short category used in log fields
// and metrics labels.
func classifyError(err error) string {
	if k := providers.KindOf(err); k != 0 {
		return k.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return providers.KindClientCancelled.String()
	}
	return "unknown"
}
