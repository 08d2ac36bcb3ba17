package providers

import (
	"errors"
	"net/http"
)

// Health is the result of an adapter probe.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Down     Health = "down"
)

// HealthFromError maps a probe error to a Health value: throttling and
// upstream 5xx mean the provider is reachable but struggling.
func HealthFromError(err error) Health {
	if err == nil {
		return Healthy
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindUpstreamRejected {
		if pe.Status == http.StatusTooManyRequests || pe.Status >= 500 {
			return Degraded
		}
	}
	return Down
}
