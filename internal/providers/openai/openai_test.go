package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/stream"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("mock-api-key", WithBaseURL(srv.URL+"/v1"))
}

func ptr[T any](v T) *T { return &v }

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
}

func TestProvider_ID(t *testing.T) {
	p := New("key")
	if p.ID() != providers.OpenAI {
		t.Fatalf("expected 'openai', got %q", p.ID())
	}
}

func TestProvider_ChatCompletion_Success(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&sent)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	req := baseRequest()
	req.MaxTokens = ptr(50)
	req.Temperature = ptr(3.5)

	resp, err := newTestProvider(srv).ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" || resp.Created != 1700000000 {
		t.Errorf("unexpected id/created: %q %d", resp.ID, resp.Created)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello, world!" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != providers.FinishStop {
		t.Errorf("expected finish_reason stop, got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage != providers.NewUsage(10, 5) {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}

	if sent["max_completion_tokens"] != float64(50) {
		t.Errorf("max_tokens must be sent as max_completion_tokens, got %v", sent["max_completion_tokens"])
	}
	if sent["temperature"] != float64(2) {
		t.Errorf("temperature must be clamped to 2, got %v", sent["temperature"])
	}
	if _, ok := sent["stream"]; ok {
		t.Error("non-streaming request must not set stream")
	}
}

func TestProvider_ChatCompletionStream(t *testing.T) {
	// Minimal chat.completion.chunk payloads for SSE streaming.
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true in upstream body, got %v", body["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	s, err := newTestProvider(srv).ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	var content, finish string
	for {
		d, err := s.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		content += d.Content
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
	if finish != providers.FinishStop {
		t.Errorf("expected terminal stop, got %q", finish)
	}
}

func TestProvider_ChatCompletion_RateLimit(t *testing.T) {
	// OpenAI-style error envelope.
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).ChatCompletion(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.Kind != providers.KindUpstreamRejected || pe.Status != http.StatusTooManyRequests {
		t.Errorf("expected rejected 429, got %v status=%d", pe.Kind, pe.Status)
	}
	if pe.RetryAfter != "7" {
		t.Errorf("expected Retry-After to be kept, got %q", pe.RetryAfter)
	}
	if !strings.Contains(strings.ToLower(pe.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", pe.Message)
	}
	if !providers.IsRetryable(err) {
		t.Error("429 must be retryable")
	}
}

func TestProvider_ChatCompletion_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"Service unavailable","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).ChatCompletion(context.Background(), baseRequest())

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.Status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", pe.Status)
	}
	if pe.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("upstream 5xx must surface as 502, got %d", pe.HTTPStatus())
	}
}

func TestProvider_ChatCompletion_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).ChatCompletion(context.Background(), baseRequest())
	if providers.KindOf(err) != providers.KindUpstreamMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestProvider_ChatCompletion_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New("k", WithBaseURL(url)).ChatCompletion(context.Background(), baseRequest())
	if providers.KindOf(err) != providers.KindUpstreamUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestProvider_Embeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Input) != 2 {
			t.Errorf("expected 2 inputs, got %v", body.Input)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]},{"object":"embedding","index":1,"embedding":[0.3,0.4]}],
			"usage":{"prompt_tokens":4,"total_tokens":4}}`))
	}))
	defer srv.Close()

	resp, err := newTestProvider(srv).Embeddings(context.Background(), &providers.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[1].Index != 1 || resp.Data[1].Embedding[0] != 0.3 {
		t.Errorf("unexpected data: %+v", resp.Data)
	}
	if resp.Usage != providers.NewUsage(4, 0) {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_ListModelsAndHealth(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o","object":"model","created":1,"owned_by":"openai"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "gpt-4o" || models[0].Provider != providers.OpenAI {
		t.Errorf("unexpected models: %+v", models)
	}
	if h := p.HealthCheck(context.Background()); h != providers.Healthy {
		t.Errorf("expected healthy, got %s", h)
	}

	status = http.StatusUnauthorized
	if h := p.HealthCheck(context.Background()); h != providers.Down {
		t.Errorf("expected down on 401, got %s", h)
	}
}

func TestTranslateChatRequest(t *testing.T) {
	req := &providers.ChatRequest{
		Model: "gpt-4o",
		Messages: []providers.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		TopP:             ptr(1.5),
		FrequencyPenalty: ptr(-3.0),
		Stop:             []string{"\n"},
		User:             "u-1",
	}
	params, err := TranslateChatRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(data, &got)

	if got["top_p"] != float64(1) || got["frequency_penalty"] != float64(-2) {
		t.Errorf("sampling params not clamped: top_p=%v frequency_penalty=%v", got["top_p"], got["frequency_penalty"])
	}
	if got["user"] != "u-1" {
		t.Errorf("expected user passthrough, got %v", got["user"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", got["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("role order not kept: %v", msgs[0])
	}
}

func TestTranslateChatResponse_NotJSON(t *testing.T) {
	if _, err := TranslateChatResponse([]byte("<html>")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStreamDecoder(t *testing.T) {
	dec := NewStreamDecoder()
	tests := []struct {
		name string
		data string
		kind stream.Kind
	}{
		{"content", `{"choices":[{"index":0,"delta":{"content":"hi"}}]}`, stream.KindContent},
		{"role only", `{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`, stream.KindMetadata},
		{"finish", `{"choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`, stream.KindFinish},
		{"usage only", `{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4}}`, stream.KindMetadata},
		{"error", `{"error":{"message":"boom"}}`, stream.KindError},
		{"done", `[DONE]`, stream.KindDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := dec.Decode(stream.Event{Data: []byte(tt.data)})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Kind != tt.kind {
				t.Errorf("expected kind %d, got %d", tt.kind, c.Kind)
			}
		})
	}

	if _, err := dec.Decode(stream.Event{Data: []byte("{not json")}); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
