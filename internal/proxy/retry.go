package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// backoff returns the wait before retry number attempt (1-based).
func backoff(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d <= 0 || d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

// withRetry runs call once, then up to maxRetries more times while the
// error is retryable. Only non-streaming calls go through here; a stream
// that already reached the client cannot be replayed.
func withRetry[T any](
	ctx context.Context,
	g *Gateway,
	pid providers.ID,
	route string,
	requestID string,
	call func(context.Context) (T, error),
) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, providers.Transport(pid, ctx.Err())
			case <-t.C:
			}
		}

		start := time.Now()
		resp, err := call(ctx)
		dur := time.Since(start)
		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(string(pid), route, "success", dur)
			}
			if attempt > 0 {
				g.log.InfoContext(ctx, "retry_success",
					slog.String("request_id", requestID),
					slog.String("provider", string(pid)),
					slog.Int("attempt", attempt+1),
				)
			}
			return resp, nil
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(string(pid), route, reason, dur)
			g.metrics.RecordError(string(pid), reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", requestID),
			slog.String("provider", string(pid)),
			slog.Int("attempt", attempt+1),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		if !providers.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}
