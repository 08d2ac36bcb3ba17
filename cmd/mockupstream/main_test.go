package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/provider-gateway/internal/providers/anthropic"
	azureprov "github.com/nulpointcorp/provider-gateway/internal/providers/azure"
	openaiprov "github.com/nulpointcorp/provider-gateway/internal/providers/openai"
)

var testCfg = Config{StreamWords: 4}

// serve runs h on an in-memory listener and returns a client dialing it.
func serve(t *testing.T, h fasthttp.RequestHandler) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
	}}
}

func chatRequest(model string) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    model,
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}
}

// drain reads a stream to its end and returns the concatenated content.
func drain(t *testing.T, st providers.Stream) (string, string) {
	t.Helper()
	defer st.Close()
	var sb strings.Builder
	finish := ""
	for {
		d, err := st.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return sb.String(), finish
		}
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		sb.WriteString(d.Content)
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
	}
}

func TestOpenAIMock_WithAdapter(t *testing.T) {
	client := serve(t, newOpenAIHandler(testCfg))
	p := openaiprov.New("sk-test", openaiprov.WithBaseURL("http://mock/v1"), openaiprov.WithHTTPClient(client))
	ctx := context.Background()

	resp, err := p.ChatCompletion(ctx, chatRequest("gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content == "" || resp.Usage.CompletionTokens != 4 {
		t.Errorf("unexpected response %+v", resp)
	}

	st, err := p.ChatCompletionStream(ctx, chatRequest("gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	content, finish := drain(t, st)
	if len(strings.Fields(content)) != 4 || finish != providers.FinishStop {
		t.Errorf("unexpected stream content %q finish %q", content, finish)
	}

	emb, err := p.Embeddings(ctx, &providers.EmbeddingRequest{Model: "text-embedding-3-small", Input: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(emb.Data) != 2 || len(emb.Data[0].Embedding) != 8 {
		t.Errorf("unexpected embeddings %+v", emb)
	}

	if h := p.HealthCheck(ctx); h != providers.Healthy {
		t.Errorf("expected healthy, got %s", h)
	}
}

func TestAnthropicMock_WithAdapter(t *testing.T) {
	client := serve(t, newAnthropicHandler(testCfg))
	p := anthropicprov.New("sk-ant", anthropicprov.WithBaseURL("http://mock"), anthropicprov.WithHTTPClient(client))
	ctx := context.Background()

	resp, err := p.ChatCompletion(ctx, chatRequest("claude-3-5-sonnet"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].FinishReason != providers.FinishStop || resp.Usage.PromptTokens != 15 {
		t.Errorf("unexpected response %+v", resp)
	}

	st, err := p.ChatCompletionStream(ctx, chatRequest("claude-3-5-sonnet"))
	if err != nil {
		t.Fatal(err)
	}
	content, finish := drain(t, st)
	if len(strings.Fields(content)) != 4 || finish != providers.FinishStop {
		t.Errorf("unexpected stream content %q finish %q", content, finish)
	}

	models, err := p.ListModels(ctx)
	if err != nil || len(models) != 2 {
		t.Errorf("unexpected models %v (%v)", models, err)
	}
}

func TestAzureMock_WithAdapter(t *testing.T) {
	client := serve(t, newAzureHandler(testCfg))
	p := azureprov.New("http://mock", "az-key", "", azureprov.WithHTTPClient(client))
	ctx := context.Background()

	resp, err := p.ChatCompletion(ctx, chatRequest("azure-gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("expected the deployment as model, got %q", resp.Model)
	}

	models, err := p.ListModels(ctx)
	if err != nil || len(models) != 2 {
		t.Errorf("unexpected models %v (%v)", models, err)
	}
}

func TestAzureMock_RequiresAPIVersion(t *testing.T) {
	client := serve(t, newAzureHandler(testCfg))
	req, _ := http.NewRequest(http.MethodGet, "http://mock/openai/models", nil)
	req.Header.Set("api-key", "k")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestErrorRate(t *testing.T) {
	client := serve(t, newOpenAIHandler(Config{StreamWords: 1, ErrorRate: 1}))
	p := openaiprov.New("sk-test", openaiprov.WithBaseURL("http://mock/v1"), openaiprov.WithHTTPClient(client))

	_, err := p.ChatCompletion(context.Background(), chatRequest("gpt-4o"))
	var pe *providers.Error
	if !errors.As(err, &pe) || pe.Status != http.StatusInternalServerError {
		t.Errorf("expected a rejected 500, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("MOCK_LATENCY_MS", "25")
	t.Setenv("MOCK_ERROR_RATE", "1.5")
	t.Setenv("MOCK_STREAM_WORDS", "3")

	c := loadConfig()
	if c.Latency != 25*time.Millisecond || c.ErrorRate != 0 || c.StreamWords != 3 {
		t.Errorf("unexpected config %+v", c)
	}
}
