package main

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

var openAIModels = []string{"gpt-4o", "gpt-4o-mini", "o3-mini", "text-embedding-3-small", "text-embedding-3-large"}

// newOpenAIHandler simulates the OpenAI REST API under /v1.
func newOpenAIHandler(cfg Config) fasthttp.RequestHandler {
	r := router.New()
	r.POST("/v1/chat/completions", chatHandler(cfg, "gpt-4o"))
	r.POST("/v1/embeddings", embeddingsHandler(cfg, "text-embedding-3-small"))
	r.GET("/v1/models", func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusOK, modelList(openAIModels, "openai"))
	})
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeOpenAIError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("mock: unknown path %s", ctx.Path()), "not_found")
	}
	return r.Handler
}

// newAzureHandler simulates Azure OpenAI. The deployment name stands in for
// the model; the api-version query argument is required.
func newAzureHandler(cfg Config) fasthttp.RequestHandler {
	requireVersion := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if len(ctx.QueryArgs().Peek("api-version")) == 0 {
				writeOpenAIError(ctx, fasthttp.StatusBadRequest, "missing api-version", "invalid_request_error")
				return
			}
			if len(ctx.Request.Header.Peek("api-key")) == 0 {
				writeOpenAIError(ctx, fasthttp.StatusUnauthorized, "missing api-key header", "invalid_api_key")
				return
			}
			if d, ok := ctx.UserValue("deployment").(string); ok {
				ctx.SetUserValue("model", d)
			}
			next(ctx)
		}
	}

	r := router.New()
	r.POST("/openai/deployments/{deployment}/chat/completions", requireVersion(chatHandler(cfg, "")))
	r.POST("/openai/deployments/{deployment}/embeddings", requireVersion(embeddingsHandler(cfg, "")))
	r.GET("/openai/models", requireVersion(func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusOK, modelList([]string{"gpt-4o", "text-embedding-3-small"}, "azure"))
	}))
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeOpenAIError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("mock: unknown path %s", ctx.Path()), "not_found")
	}
	return r.Handler
}

func modelList(ids []string, owner string) map[string]any {
	data := make([]map[string]any, len(ids))
	for i, id := range ids {
		data[i] = map[string]any{"id": id, "object": "model", "created": 1710000000, "owned_by": owner}
	}
	return map[string]any{"object": "list", "data": data}
}

// requestModel prefers the route's model (Azure deployment) over the body.
func requestModel(ctx *fasthttp.RequestCtx, body gjson.Result, fallback string) string {
	if m, ok := ctx.UserValue("model").(string); ok && m != "" {
		return m
	}
	if m := body.Get("model").String(); m != "" {
		return m
	}
	return fallback
}

func chatHandler(cfg Config, defaultModel string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if gate(cfg) {
			writeOpenAIError(ctx, fasthttp.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}
		if !gjson.ValidBytes(ctx.PostBody()) {
			writeOpenAIError(ctx, fasthttp.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		body := gjson.ParseBytes(ctx.PostBody())
		if len(body.Get("messages").Array()) == 0 {
			writeOpenAIError(ctx, fasthttp.StatusBadRequest, "messages must not be empty", "invalid_request_error")
			return
		}

		model := requestModel(ctx, body, defaultModel)
		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		words := fakeWordList(cfg.StreamWords)
		prompt, completion := 10, len(words)

		if body.Get("stream").Bool() {
			includeUsage := body.Get("stream_options.include_usage").Bool()
			serveOpenAIStream(ctx, id, model, words, includeUsage, prompt, completion)
			return
		}

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": strings.Join(words, " ") + "."},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     prompt,
				"completion_tokens": completion,
				"total_tokens":      prompt + completion,
			},
		})
	}
}

func serveOpenAIStream(ctx *fasthttp.RequestCtx, id, model string, words []string, includeUsage bool, prompt, completion int) {
	created := time.Now().Unix()
	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		}
	}

	sse(ctx, func(send func(string, any)) {
		send("", chunk(map[string]string{"role": "assistant", "content": ""}, nil))
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			send("", chunk(map[string]string{"content": w}, nil))
		}
		send("", chunk(map[string]string{}, "stop"))
		if includeUsage {
			send("", map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []any{},
				"usage": map[string]int{
					"prompt_tokens":     prompt,
					"completion_tokens": completion,
					"total_tokens":      prompt + completion,
				},
			})
		}
		send("", "[DONE]")
	})
}

func embeddingsHandler(cfg Config, defaultModel string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if gate(cfg) {
			writeOpenAIError(ctx, fasthttp.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}
		body := gjson.ParseBytes(ctx.PostBody())

		var inputs []string
		switch in := body.Get("input"); {
		case in.IsArray():
			for _, v := range in.Array() {
				inputs = append(inputs, v.String())
			}
		case in.Type == gjson.String:
			inputs = []string{in.String()}
		}
		if len(inputs) == 0 {
			writeOpenAIError(ctx, fasthttp.StatusBadRequest, "input must not be empty", "invalid_request_error")
			return
		}

		data := make([]map[string]any, len(inputs))
		for i := range inputs {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": fakeEmbedding(8)}
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
			"model":  requestModel(ctx, body, defaultModel),
			"usage":  map[string]int{"prompt_tokens": len(inputs) * 5, "total_tokens": len(inputs) * 5},
		})
	}
}
