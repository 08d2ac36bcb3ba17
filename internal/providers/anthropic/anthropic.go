package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/stream"
)

const (
	// DefaultMaxTokens is sent when the caller does not set max_tokens,
	// which the Messages API requires.
	DefaultMaxTokens = 1024

	DefaultAPIVersion = "2023-06-01"

	messagesPath = "v1/messages"
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey           string
	baseURL          string
	apiVersion       string
	defaultMaxTokens int
	timeout          time.Duration
	idleTimeout      time.Duration
	httpClient       *http.Client
	client           anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion sets the anthropic-version header.
func WithAPIVersion(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.apiVersion = v
		}
	}
}

// WithDefaultMaxTokens overrides DefaultMaxTokens.
func WithDefaultMaxTokens(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.defaultMaxTokens = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithStreamIdleTimeout(d time.Duration) Option {
	return func(p *Provider) { p.idleTimeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:           apiKey,
		apiVersion:       DefaultAPIVersion,
		defaultMaxTokens: DefaultMaxTokens,
		timeout:          providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	if p.httpClient == nil {
		p.httpClient = providers.NewHTTPClient(p.timeout)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(p.httpClient),
		option.WithHeader("anthropic-version", p.apiVersion),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(strings.TrimRight(p.baseURL, "/")+"/"))
	}
	p.client = anthropic.NewClient(clientOpts...)

	return p
}

func (p *Provider) ID() providers.ID { return providers.Anthropic }

func (p *Provider) HealthCheck(ctx context.Context) providers.Health {
	// Simple auth/connectivity check: GET /v1/models?limit=1
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	return providers.HealthFromError(toError(err))
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, toError(err)
	}
	out := make([]providers.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.Model{
			ID:       m.ID,
			Created:  m.CreatedAt.Unix(),
			OwnedBy:  string(providers.Anthropic),
			Provider: providers.Anthropic,
		})
	}
	return out, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params, err := TranslateChatRequest(req, p.defaultMaxTokens)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var raw []byte
	if err := p.client.Post(ctx, messagesPath, params, &raw); err != nil {
		return nil, toError(err)
	}

	resp, err := TranslateChatResponse(raw)
	if err != nil {
		return nil, providers.Malformed(providers.Anthropic, err)
	}
	return resp, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	params, err := TranslateChatRequest(req, p.defaultMaxTokens)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = p.client.Post(ctx, messagesPath, params, &resp,
		option.WithJSONSet("stream", true),
		option.WithHeader("Accept", "text/event-stream"),
	)
	if err != nil {
		return nil, toError(err)
	}

	return stream.New(resp.Body, NewStreamDecoder(),
		stream.WithProvider(providers.Anthropic),
		stream.WithIdleTimeout(p.idleTimeout),
	), nil
}

// Embeddings is not offered by the Messages API.
func (p *Provider) Embeddings(context.Context, *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	e := providers.Unsupported(providers.Anthropic, "embeddings are not supported by anthropic")
	e.Status = http.StatusNotImplemented
	return nil, e
}

// TranslateChatRequest builds Messages API parameters. System and developer
// messages are joined into the top-level system prompt; the remaining turns
// keep their order.
func TranslateChatRequest(req *providers.ChatRequest, defaultMaxTokens int) (anthropic.MessageNewParams, error) {
	if req.FrequencyPenalty != nil {
		return anthropic.MessageNewParams{}, providers.Unsupported(providers.Anthropic, "frequency_penalty is not supported by anthropic")
	}
	if req.PresencePenalty != nil {
		return anthropic.MessageNewParams{}, providers.Unsupported(providers.Anthropic, "presence_penalty is not supported by anthropic")
	}

	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if providers.IsSystemRole(m.Role) {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	maxTokens := defaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n")},
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(max(0, min(*req.Temperature, 1)))
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(max(0, min(*req.TopP, 1)))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if req.User != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(req.User)}
	}

	return params, nil
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.EqualFold(role, providers.RoleAssistant) {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// TranslateChatResponse decodes a Messages API response. Text blocks are
// concatenated into a single assistant message.
func TranslateChatResponse(body []byte) (*providers.ChatResponse, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" && len(msg.Content) == 0 {
		return nil, errors.New("message has neither id nor content")
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}

	return &providers.ChatResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Created: time.Now().Unix(),
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: providers.RoleAssistant, Content: sb.String()},
			FinishReason: MapStopReason(string(msg.StopReason)),
		}},
		Usage: providers.NewUsage(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
	}, nil
}

// MapStopReason converts an Anthropic stop_reason to a canonical finish reason.
func MapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return providers.FinishLength
	case "tool_use":
		return providers.FinishToolCalls
	case "refusal":
		return providers.FinishContentFilter
	default:
		// end_turn, stop_sequence, pause_turn
		return providers.FinishStop
	}
}

func toError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		msg := gjson.Get(apierr.RawJSON(), "error.message").String()
		pe := providers.Rejected(providers.Anthropic, apierr.StatusCode, msg)
		if apierr.Response != nil {
			pe.RetryAfter = apierr.Response.Header.Get("Retry-After")
		}
		return pe
	}
	return providers.Transport(providers.Anthropic, err)
}
