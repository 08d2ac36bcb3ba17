// Package providers defines the canonical chat/embedding schema shared by the
// gateway and the provider adapters (OpenAI, Anthropic, Azure OpenAI).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. The gateway never branches on provider names at call sites: the
// router returns an ID and the matching Provider is looked up once.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ID identifies an upstream provider.
type ID string

const (
	OpenAI    ID = "openai"
	Anthropic ID = "anthropic"
	Azure     ID = "azure"
)

// All lists every supported provider in a stable order.
var All = []ID{OpenAI, Anthropic, Azure}

// ParseID converts a configuration value into an ID. "claude" is accepted as
// an alias for Anthropic.
func ParseID(s string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return OpenAI, nil
	case "anthropic", "claude":
		return Anthropic, nil
	case "azure", "azure_openai", "azure-openai":
		return Azure, nil
	}
	return "", fmt.Errorf("providers: unknown provider %q", s)
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleDeveloper = "developer"
)

// Finish reasons used on the canonical surface.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Default timeouts.
const (
	ProviderTimeout    = 60 * time.Second
	HealthProbeTimeout = 5 * time.Second
	StreamKeepAlive    = 15 * time.Second
	MaxRetries         = 2
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ChatRequest is the canonical chat completion request.
	ChatRequest struct {
		Model            string    `json:"model"`
		Messages         []Message `json:"messages"`
		MaxTokens        *int      `json:"max_tokens,omitempty"`
		Temperature      *float64  `json:"temperature,omitempty"`
		TopP             *float64  `json:"top_p,omitempty"`
		FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
		Stop             []string  `json:"stop,omitempty"`
		User             string    `json:"user,omitempty"`
		Stream           bool      `json:"stream,omitempty"`
	}

	// Choice is one completion alternative.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// Usage holds token counters. TotalTokens is always PromptTokens +
	// CompletionTokens; build it with NewUsage.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatResponse is the canonical non-streaming chat completion response.
	ChatResponse struct {
		ID      string   `json:"id"`
		Model   string   `json:"model"`
		Created int64    `json:"created"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}

	// Delta is one incremental fragment of a streamed response. FinishReason
	// is set only on the terminal delta of a choice.
	Delta struct {
		Index        int    `json:"index"`
		Content      string `json:"content"`
		FinishReason string `json:"finish_reason,omitempty"`
	}

	// EmbeddingRequest is the canonical embedding request. Input always has
	// at least one element.
	EmbeddingRequest struct {
		Model string
		Input []string
		User  string
	}

	// Embedding is a single embedding vector.
	Embedding struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}

	// EmbeddingResponse is the canonical embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []Embedding
		Usage Usage
	}

	// Model is a catalog entry returned by ListModels.
	Model struct {
		ID       string `json:"id"`
		Created  int64  `json:"created"`
		OwnedBy  string `json:"owned_by"`
		Provider ID     `json:"provider"`
	}
)

// NewUsage builds a Usage with a consistent total.
func NewUsage(prompt, completion int) Usage {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Validate checks the structural invariants of a chat request.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return UnknownModel("")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("field 'messages' must contain at least one message")
	}
	for i, m := range r.Messages {
		switch strings.ToLower(m.Role) {
		case RoleSystem, RoleUser, RoleAssistant, RoleDeveloper:
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return fmt.Errorf("field 'max_tokens' must be >= 1")
	}
	return nil
}

// NewHTTPClient returns the client adapters use upstream. It carries no
// overall timeout so streams can outlive it; headerTimeout bounds the wait
// for the response headers instead.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: tr}
}

// IsSystemRole reports whether role carries instructions rather than a turn.
func IsSystemRole(role string) bool {
	r := strings.ToLower(role)
	return r == RoleSystem || r == RoleDeveloper
}

// Stream is a canonical delta sequence produced by an adapter.
//
// Next returns deltas in upstream order. After the terminal delta it returns
// io.EOF; any other error means the stream ended abnormally.
// Close releases the upstream connection and is safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (Delta, error)
	Usage() Usage
	Close() error
}

// Provider is the capability set every adapter implements.
type Provider interface {
	ID() ID
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error)
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	ListModels(ctx context.Context) ([]Model, error)
	HealthCheck(ctx context.Context) Health
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
