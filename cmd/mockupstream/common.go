package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeWordList returns n random words.
func fakeWordList(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return words
}

func fakeEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

// gate applies the configured latency and reports whether this call should
// fail with a simulated 500.
func gate(cfg Config) bool {
	if cfg.Latency > 0 {
		time.Sleep(cfg.Latency)
	}
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// writeOpenAIError writes the OpenAI error envelope, also used by Azure.
func writeOpenAIError(ctx *fasthttp.RequestCtx, status int, msg, typ string) {
	writeJSON(ctx, status, map[string]any{"error": map[string]string{
		"message": msg,
		"type":    typ,
		"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}

func writeAnthropicError(ctx *fasthttp.RequestCtx, status int, msg, typ string) {
	writeJSON(ctx, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

// sse switches ctx to an event stream and hands emit a function that writes
// one frame per call. An empty event name writes a bare data frame.
func sse(ctx *fasthttp.RequestCtx, emit func(send func(event string, data any))) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		emit(func(event string, data any) {
			payload, ok := data.(string)
			if !ok {
				b, _ := json.Marshal(data)
				payload = string(b)
			}
			if event != "" {
				fmt.Fprintf(w, "event: %s\n", event)
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			_ = w.Flush()
		})
	})
}
