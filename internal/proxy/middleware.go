package proxy

import (
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

// User value keys set by the middleware and the handlers.
const (
	requestIDKey = "request_id"
	streamingKey = "streaming"
)

type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into a 500 envelope.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("method", string(ctx.Method())),
						slog.String("path", string(ctx.Path())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal server error",
						apierr.TypeServerError, apierr.CodeInternalError)
				}
			}()
			next(ctx)
		}
	}
}

// requestID propagates X-Request-ID, minting a UUID when the client sent
// none. Ledger records carry it as request_id.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

// instrument observes in-flight count, status and duration of one route.
// Streaming handlers return before the body is written; their call
// recorder observes them when the stream ends.
func instrument(m *metrics.Registry, route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if m == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		m.IncInFlight()
		next(ctx)
		if streaming, _ := ctx.UserValue(streamingKey).(bool); streaming {
			return
		}
		m.DecInFlight()
		m.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

// cors answers preflights and sets the CORS headers. With an empty or "*"
// allowlist any origin is accepted; otherwise the request Origin is echoed
// only when listed.
func cors(origins []string) middleware {
	open := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			switch origin := string(ctx.Request.Header.Peek("Origin")); {
			case open:
				h.Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Call-ID, Retry-After")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// chain wraps h so that mws[0] runs first.
func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
