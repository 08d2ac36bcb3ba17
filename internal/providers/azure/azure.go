// Package azure implements the providers.Provider interface for Azure OpenAI.
// Azure OpenAI uses deployment-based URLs and the "api-key" header instead of
// the standard "Authorization: Bearer" scheme. Payloads and stream framing are
// OpenAI's, so translation and stream decoding are shared with the openai
// package.
//
// Deployment resolution: an explicit model → deployment mapping wins;
// otherwise an "azure-" prefix is stripped from the model name and the rest
// is used as the deployment. E.g. "azure-gpt-4o" → deployment "gpt-4o".
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/providers/openai"
	"github.com/nulpointcorp/provider-gateway/internal/stream"
)

// DefaultAPIVersion is the GA data-plane version used when none is configured.
const DefaultAPIVersion = "2024-10-21"

// fallbackModels are reported when the resource does not expose /openai/models.
var fallbackModels = []string{"gpt-4o", "gpt-4", "gpt-35-turbo"}

type apiErrEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

type modelList struct {
	Data []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// Provider implements providers.Provider for Azure OpenAI.
type Provider struct {
	endpoint    string // e.g. "https://myresource.openai.azure.com"
	apiKey      string
	apiVersion  string
	deployments map[string]string
	timeout     time.Duration
	idleTimeout time.Duration
	client      *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithDeployments maps model names to deployment names.
func WithDeployments(m map[string]string) Option {
	return func(p *Provider) {
		p.deployments = make(map[string]string, len(m))
		for k, v := range m {
			p.deployments[k] = v
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
	return func(p *Provider) { p.client = c }
}

// New creates a new Azure OpenAI Provider.
func New(endpoint, apiKey, apiVersion string, opts ...Option) *Provider {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	p := &Provider{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		timeout:    providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = providers.NewHTTPClient(p.timeout)
	}
	return p
}

func (p *Provider) ID() providers.ID { return providers.Azure }

func (p *Provider) HealthCheck(ctx context.Context) providers.Health {
	_, err := p.fetchModels(ctx)
	return providers.HealthFromError(err)
}

// ListModels returns the resource's models, or a static list of common
// deployments when the models endpoint is unavailable.
func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	models, err := p.fetchModels(ctx)
	if err == nil {
		return models, nil
	}
	if providers.KindOf(err) == providers.KindClientCancelled {
		return nil, err
	}

	now := time.Now().Unix()
	out := make([]providers.Model, 0, len(fallbackModels))
	for _, id := range fallbackModels {
		out = append(out, providers.Model{ID: id, Created: now, OwnedBy: "azure", Provider: providers.Azure})
	}
	return out, nil
}

func (p *Provider) fetchModels(ctx context.Context) ([]providers.Model, error) {
	u := fmt.Sprintf("%s/openai/models?api-version=%s", p.endpoint, url.QueryEscape(p.apiVersion))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: models: %w", err)
	}
	req.Header.Set("api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, providers.Transport(providers.Azure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var ml modelList
	if err := json.NewDecoder(resp.Body).Decode(&ml); err != nil {
		return nil, providers.Malformed(providers.Azure, err)
	}
	out := make([]providers.Model, 0, len(ml.Data))
	for _, m := range ml.Data {
		owner := m.OwnedBy
		if owner == "" {
			owner = "azure"
		}
		out = append(out, providers.Model{ID: m.ID, Created: m.Created, OwnedBy: owner, Provider: providers.Azure})
	}
	return out, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	body, err := p.chatBody(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.post(ctx, p.deploymentURL(req.Model, "chat/completions"), body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.Transport(providers.Azure, err)
	}
	out, err := openai.TranslateChatResponse(raw)
	if err != nil {
		return nil, providers.Malformed(providers.Azure, err)
	}
	return out, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	body, err := p.chatBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, p.deploymentURL(req.Model, "chat/completions"), body, true)
	if err != nil {
		return nil, err
	}

	return stream.New(resp.Body, openai.NewStreamDecoder(),
		stream.WithProvider(providers.Azure),
		stream.WithIdleTimeout(p.idleTimeout),
	), nil
}

func (p *Provider) Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	payload := map[string]any{"input": req.Input}
	if req.User != "" {
		payload["user"] = req.User
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal embeddings: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.post(ctx, p.deploymentURL(req.Model, "embeddings"), body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.Transport(providers.Azure, err)
	}
	out, err := openai.TranslateEmbeddingResponse(raw)
	if err != nil {
		return nil, providers.Malformed(providers.Azure, err)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

// Deployment returns the deployment a model is served by.
func (p *Provider) Deployment(model string) string {
	if d, ok := p.deployments[model]; ok && d != "" {
		return d
	}
	return strings.TrimPrefix(model, "azure-")
}

func (p *Provider) deploymentURL(model, op string) string {
	return fmt.Sprintf(
		"%s/openai/deployments/%s/%s?api-version=%s",
		p.endpoint, url.PathEscape(p.Deployment(model)), op, url.QueryEscape(p.apiVersion),
	)
}

// chatBody reuses the OpenAI translation; Azure accepts the same payload.
func (p *Provider) chatBody(req *providers.ChatRequest, streaming bool) ([]byte, error) {
	params, err := openai.TranslateChatRequest(req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}
	if !streaming {
		return data, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}
	fields["stream"] = json.RawMessage("true")
	return json.Marshal(fields)
}

func (p *Provider) post(ctx context.Context, u string, body []byte, streaming bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.Transport(providers.Azure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := ""
	var env apiErrEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		msg = env.Error.Message
	}

	pe := providers.Rejected(providers.Azure, resp.StatusCode, msg)
	pe.RetryAfter = resp.Header.Get("Retry-After")
	return pe
}

var errNoEndpoint = errors.New("azure: endpoint is not configured")

// Validate reports configuration that makes every call fail.
func (p *Provider) Validate() error {
	if p.endpoint == "" {
		return errNoEndpoint
	}
	if _, err := url.Parse(p.endpoint); err != nil {
		return fmt.Errorf("azure: endpoint: %w", err)
	}
	return nil
}
