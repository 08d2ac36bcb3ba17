package proxy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/ledger"
	"github.com/nulpointcorp/provider-gateway/internal/logger"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// callIDHeader carries the ledger record id back to the client.
const callIDHeader = "X-Call-ID"

// callRecorder produces the single ledger record of one LLM call. finish
// may be reached from the handler or from the stream writer; only the first
// call counts and a panic inside it never reaches the response path.
type callRecorder struct {
	g     *Gateway
	route string
	start time.Time
	rec   ledger.Record
	usage providers.Usage
	// streaming calls finish after the handler returned, so the HTTP
	// metrics are observed here instead of in instrument.
	streaming bool
	once      sync.Once
}

func (g *Gateway) newCall(ctx *fasthttp.RequestCtx, route string) *callRecorder {
	id := uuid.NewString()
	ctx.Response.Header.Set(callIDHeader, id)

	reqID, _ := ctx.UserValue(requestIDKey).(string)
	headers := make(map[string]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		headers[string(k)] = string(v)
	})

	return &callRecorder{
		g:     g,
		route: route,
		start: time.Now(),
		rec: ledger.Record{
			ID:          id,
			RequestID:   reqID,
			Method:      string(ctx.Method()),
			Path:        string(ctx.Path()),
			Headers:     ledger.RedactHeaders(headers),
			RequestBody: ledger.BodySnapshot(ctx.PostBody(), g.maxBodyBytes),
		},
	}
}

func (c *callRecorder) setModel(model string) {
	if model != "" {
		c.rec.Model = &model
	}
}

func (c *callRecorder) setProvider(id providers.ID) { c.rec.Provider = string(id) }

func (c *callRecorder) setUsage(u providers.Usage) { c.usage = u }

func (c *callRecorder) markStreaming(ctx *fasthttp.RequestCtx) {
	c.rec.Stream = true
	c.streaming = true
	ctx.SetUserValue(streamingKey, true)
}

// finish writes the record. respBody may be nil (streams, errors).
func (c *callRecorder) finish(status int, respBody []byte, err error) {
	c.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				c.g.log.Error("call_record_panic",
					slog.Any("panic", r),
					slog.String("call_id", c.rec.ID),
				)
			}
		}()
		c.write(status, respBody, err)
	})
}

func (c *callRecorder) write(status int, respBody []byte, err error) {
	dur := time.Since(c.start)

	rec := c.rec
	rec.Timestamp = c.start.UTC()
	rec.StatusCode = status
	rec.DurationMS = float64(dur.Microseconds()) / 1000
	rec.ResponseBody = ledger.BodySnapshot(respBody, c.g.maxBodyBytes)
	if err != nil {
		msg := err.Error()
		rec.Error = &msg
	}
	stored := c.g.ledger.Add(rec)

	model := ""
	if rec.Model != nil {
		model = *rec.Model
	}
	errMsg := ""
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	if c.g.metrics != nil {
		c.g.metrics.ObserveCall(rec.Provider, c.route, status, dur)
		c.g.metrics.SetLedgerRecords(c.g.ledger.Len())
		if rec.Provider != "" {
			c.g.metrics.AddTokens(rec.Provider, c.usage.PromptTokens, c.usage.CompletionTokens)
		}
		if c.streaming {
			c.g.metrics.ObserveHTTP(c.route, status, dur)
			c.g.metrics.DecInFlight()
		}
	}

	if c.g.callLog != nil {
		c.g.callLog.Log(logger.CallLog{
			ID:               stored.ID,
			RequestID:        stored.RequestID,
			Provider:         stored.Provider,
			Model:            model,
			Path:             stored.Path,
			Stream:           stored.Stream,
			Status:           status,
			DurationMS:       stored.DurationMS,
			PromptTokens:     c.usage.PromptTokens,
			CompletionTokens: c.usage.CompletionTokens,
			Error:            errMsg,
			CreatedAt:        stored.Timestamp,
		})
	}
}
