package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies gateway failures.
type ErrorKind int

const (
	KindUnknownModel ErrorKind = iota + 1
	KindUnsupportedFeature
	KindUpstreamUnavailable
	KindUpstreamRejected
	KindUpstreamMalformed
	KindClientCancelled
)

// StatusClientClosedRequest is recorded for calls abandoned by the client.
const StatusClientClosedRequest = 499

func (k ErrorKind) String() string {
	switch k {
	case KindUnknownModel:
		return "unknown_model"
	case KindUnsupportedFeature:
		return "unsupported_feature"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindUpstreamMalformed:
		return "upstream_malformed"
	case KindClientCancelled:
		return "client_cancelled"
	}
	return "unknown"
}

// Error is the typed failure returned by the router, the adapters and the
// streaming normalizer.
type Error struct {
	Kind     ErrorKind
	Provider ID
	// Status is the upstream HTTP status for KindUpstreamRejected, or an
	// explicit status override for KindUnsupportedFeature.
	Status  int
	Message string
	// RetryAfter is the upstream Retry-After header value, if any.
	RetryAfter string
	Err        error
}

func (e *Error) Error() string {
	prefix := "gateway"
	if e.Provider != "" {
		prefix = string(e.Provider)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Kind == KindUpstreamRejected {
		return fmt.Sprintf("%s: %s (status=%d)", prefix, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder. It is the status the gateway answers
// with, not necessarily the upstream one.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnknownModel:
		return http.StatusBadRequest
	case KindUnsupportedFeature:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusBadRequest
	case KindUpstreamUnavailable:
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindUpstreamRejected:
		switch {
		case e.Status == http.StatusTooManyRequests:
			return http.StatusTooManyRequests
		case e.Status >= 400 && e.Status < 500:
			return e.Status
		default:
			return http.StatusBadGateway
		}
	case KindUpstreamMalformed:
		return http.StatusBadGateway
	case KindClientCancelled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func UnknownModel(model string) *Error {
	if model == "" {
		return &Error{Kind: KindUnknownModel, Message: "model must not be empty"}
	}
	return &Error{Kind: KindUnknownModel, Message: fmt.Sprintf("no provider found for model %q", model)}
}

func Unsupported(p ID, format string, args ...any) *Error {
	return &Error{Kind: KindUnsupportedFeature, Provider: p, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(p ID, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Provider: p, Err: err}
}

func Rejected(p ID, status int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", status)
	}
	return &Error{Kind: KindUpstreamRejected, Provider: p, Status: status, Message: message}
}

func Malformed(p ID, err error) *Error {
	return &Error{Kind: KindUpstreamMalformed, Provider: p, Message: "malformed upstream response", Err: err}
}

func Cancelled(p ID, reason string) *Error {
	return &Error{Kind: KindClientCancelled, Provider: p, Message: reason}
}

// Transport classifies an error from the HTTP client: caller cancellation
// becomes ClientCancelled, deadlines and network timeouts become a timed-out
// UpstreamUnavailable, everything else a plain UpstreamUnavailable.
func Transport(p ID, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled(p, "client cancelled")
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		if !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return Unavailable(p, err)
	}
	return Unavailable(p, err)
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsRetryable reports whether a non-streaming call may be repeated.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindUpstreamUnavailable:
		return true
	case KindUpstreamRejected:
		switch pe.Status {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}
