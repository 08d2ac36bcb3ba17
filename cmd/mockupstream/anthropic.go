package main

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/fasthttp/router"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// newAnthropicHandler simulates the Anthropic Messages API.
func newAnthropicHandler(cfg Config) fasthttp.RequestHandler {
	r := router.New()
	r.POST("/v1/messages", messagesHandler(cfg))
	r.GET("/v1/models", func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"data": []map[string]any{
				{"type": "model", "id": "claude-3-5-sonnet-20241022", "display_name": "Claude 3.5 Sonnet", "created_at": "2024-10-22T00:00:00Z"},
				{"type": "model", "id": "claude-3-haiku-20240307", "display_name": "Claude 3 Haiku", "created_at": "2024-03-07T00:00:00Z"},
			},
			"has_more": false,
			"first_id": "claude-3-5-sonnet-20241022",
			"last_id":  "claude-3-haiku-20240307",
		})
	})
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeAnthropicError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("mock: unknown path %s", ctx.Path()), "not_found_error")
	}
	return r.Handler
}

func messagesHandler(cfg Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if gate(cfg) {
			writeAnthropicError(ctx, fasthttp.StatusInternalServerError, "mock internal error", "api_error")
			return
		}
		if !gjson.ValidBytes(ctx.PostBody()) {
			writeAnthropicError(ctx, fasthttp.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		body := gjson.ParseBytes(ctx.PostBody())
		if body.Get("max_tokens").Int() < 1 {
			writeAnthropicError(ctx, fasthttp.StatusBadRequest, "max_tokens: field required", "invalid_request_error")
			return
		}
		for _, m := range body.Get("messages").Array() {
			if role := m.Get("role").String(); role != "user" && role != "assistant" {
				writeAnthropicError(ctx, fasthttp.StatusBadRequest,
					fmt.Sprintf("messages: unexpected role %q", role), "invalid_request_error")
				return
			}
		}

		model := body.Get("model").String()
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}
		id := fmt.Sprintf("msg_%x", rand.Int64())
		words := fakeWordList(cfg.StreamWords)
		in, out := 15, len(words)

		if body.Get("stream").Bool() {
			serveAnthropicStream(ctx, id, model, words, in, out)
			return
		}

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]string{{"type": "text", "text": strings.Join(words, " ") + "."}},
			"usage":         map[string]int{"input_tokens": in, "output_tokens": out},
		})
	}
}

// serveAnthropicStream writes the named-event sequence of a streamed message.
func serveAnthropicStream(ctx *fasthttp.RequestCtx, id, model string, words []string, in, out int) {
	sse(ctx, func(send func(string, any)) {
		send("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"model":         model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": in, "output_tokens": 1},
			},
		})
		send("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		})
		send("ping", map[string]string{"type": "ping"})
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			send("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": w},
			})
		}
		send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		send("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": out},
		})
		send("message_stop", map[string]string{"type": "message_stop"})
	})
}
