package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/stream"
)

const defaultBaseURL = "https://api.openai.com/v1/"

type Provider struct {
	apiKey      string
	baseURL     string
	timeout     time.Duration
	idleTimeout time.Duration
	httpClient  *http.Client
	client      openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithTimeout bounds non-streaming calls and the wait for stream headers.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithStreamIdleTimeout aborts a stream that stays silent for d.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(p *Provider) { p.idleTimeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.ProviderTimeout,
	}

	for _, o := range opts {
		o(p)
	}

	if p.httpClient == nil {
		p.httpClient = providers.NewHTTPClient(p.timeout)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(withTrailingSlash(p.baseURL)),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) ID() providers.ID { return providers.OpenAI }

func (p *Provider) HealthCheck(ctx context.Context) providers.Health {
	_, err := p.ListModels(ctx)
	return providers.HealthFromError(err)
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, toError(err)
	}
	out := make([]providers.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.Model{
			ID:       m.ID,
			Created:  m.Created,
			OwnedBy:  m.OwnedBy,
			Provider: providers.OpenAI,
		})
	}
	return out, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params, err := TranslateChatRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var raw []byte
	if err := p.client.Post(ctx, "chat/completions", params, &raw); err != nil {
		return nil, toError(err)
	}

	resp, err := TranslateChatResponse(raw)
	if err != nil {
		return nil, providers.Malformed(providers.OpenAI, err)
	}
	return resp, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	params, err := TranslateChatRequest(req)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = p.client.Post(ctx, "chat/completions", params, &resp,
		option.WithJSONSet("stream", true),
		option.WithHeader("Accept", "text/event-stream"),
	)
	if err != nil {
		return nil, toError(err)
	}

	return stream.New(resp.Body, NewStreamDecoder(),
		stream.WithProvider(providers.OpenAI),
		stream.WithIdleTimeout(p.idleTimeout),
	), nil
}

func (p *Provider) Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var raw []byte
	if err := p.client.Post(ctx, "embeddings", params, &raw); err != nil {
		return nil, toError(err)
	}

	resp, err := TranslateEmbeddingResponse(raw)
	if err != nil {
		return nil, providers.Malformed(providers.OpenAI, err)
	}
	return resp, nil
}

func toError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		pe := providers.Rejected(providers.OpenAI, apierr.StatusCode, apierr.Message)
		if apierr.Response != nil {
			pe.RetryAfter = apierr.Response.Header.Get("Retry-After")
		}
		return pe
	}
	return providers.Transport(providers.OpenAI, err)
}

func withTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// TranslateChatRequest maps the canonical request onto OpenAI parameters.
// The mapping is near-identity; sampling parameters are clamped to the
// ranges the API accepts.
func TranslateChatRequest(req *providers.ChatRequest) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(clamp(*req.Temperature, 0, 2))
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(clamp(*req.TopP, 0, 1))
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(clamp(*req.FrequencyPenalty, -2, 2))
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(clamp(*req.PresencePenalty, -2, 2))
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}

	return params, nil
}

// TranslateChatResponse decodes an OpenAI chat.completion body.
func TranslateChatResponse(body []byte) (*providers.ChatResponse, error) {
	var cc openaiSDK.ChatCompletion
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, errors.New("chat completion has no choices")
	}

	choices := make([]providers.Choice, 0, len(cc.Choices))
	for _, c := range cc.Choices {
		role := string(c.Message.Role)
		if role == "" {
			role = providers.RoleAssistant
		}
		choices = append(choices, providers.Choice{
			Index:        int(c.Index),
			Message:      providers.Message{Role: role, Content: c.Message.Content},
			FinishReason: string(c.FinishReason),
		})
	}

	return &providers.ChatResponse{
		ID:      cc.ID,
		Model:   cc.Model,
		Created: cc.Created,
		Choices: choices,
		Usage:   providers.NewUsage(int(cc.Usage.PromptTokens), int(cc.Usage.CompletionTokens)),
	}, nil
}

// TranslateEmbeddingResponse decodes an OpenAI embedding list body.
func TranslateEmbeddingResponse(body []byte) (*providers.EmbeddingResponse, error) {
	var er openaiSDK.CreateEmbeddingResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, errors.New("embedding response has no data")
	}

	data := make([]providers.Embedding, len(er.Data))
	for i, d := range er.Data {
		data[i] = providers.Embedding{
			Index:     int(d.Index),
			Embedding: d.Embedding,
		}
	}

	return &providers.EmbeddingResponse{
		Model: er.Model,
		Data:  data,
		Usage: providers.NewUsage(int(er.Usage.PromptTokens), 0),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case providers.RoleDeveloper:
		return openaiSDK.DeveloperMessage(content)
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
