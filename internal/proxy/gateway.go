// Package proxy serves the OpenAI-compatible gateway surface.
//
// The Gateway receives an OpenAI-compatible request, resolves the target
// provider through the model router and forwards the request to that
// provider's adapter. Every LLM call, successful or not, leaves exactly one
// record in the call ledger.
//
// Key design constraints:
//   - Call logger, metrics and health checker are optional and nil-safe.
//   - All upstream I/O takes a context.Context so timeouts propagate.
//   - Streaming responses are written as SSE and are never retried.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/catalog"
	"github.com/nulpointcorp/provider-gateway/internal/ledger"
	"github.com/nulpointcorp/provider-gateway/internal/logger"
	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/routing"
	"github.com/nulpointcorp/provider-gateway/internal/tokens"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

// Route labels used in metrics and the call logger.
const (
	routeChat       = "chat_completions"
	routeEmbeddings = "embeddings"
)

// Options holds optional dependencies and tuning parameters for a Gateway.
// All fields can be omitted.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection when non-nil.
	Metrics *metrics.Registry

	// CallLogger mirrors every ledger record as a log line when non-nil.
	CallLogger *logger.Logger

	// Catalog serves /v1/models. When nil a cache-less catalog over the
	// configured providers is built.
	Catalog *catalog.Catalog

	// Health feeds the /health endpoints. When nil every configured
	// provider is reported as ready and its status as unknown.
	Health *HealthChecker

	// Tokens counts streamed completion tokens when the upstream does not
	// report usage. Defaults to tokens.New().
	Tokens *tokens.Counter

	// MaxRetries is the number of extra attempts for retryable failures of
	// non-streaming calls. Negative means providers.MaxRetries.
	MaxRetries int

	// ProviderTimeout bounds one non-streaming call, retries included.
	// Default: providers.ProviderTimeout.
	ProviderTimeout time.Duration

	// StreamKeepAlive is the interval of ": keep-alive" frames on SSE
	// responses. Default: providers.StreamKeepAlive.
	StreamKeepAlive time.Duration

	// MaxBodyBytes caps ledger body snapshots. Default: ledger.DefaultMaxBodyBytes.
	MaxBodyBytes int

	// CORSOrigins is the CORS allowlist; nil or ["*"] allows any origin.
	CORSOrigins []string

	// Version is reported by GET /health.
	Version string
}

// Gateway dispatches inbound calls. All dependencies are injected through
// New so tests can swap in fakes.
type Gateway struct {
	providers map[providers.ID]providers.Provider
	router    *routing.Router
	ledger    *ledger.Ledger
	catalog   *catalog.Catalog
	health    *HealthChecker
	tokens    *tokens.Counter

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	callLog *logger.Logger

	maxRetries      int
	providerTimeout time.Duration
	keepAlive       time.Duration
	maxBodyBytes    int
	corsOrigins     []string
	version         string
	startTime       time.Time
}

// New creates a Gateway. baseCtx outlives individual requests and bounds
// streams, which keep running after the handler returned.
func New(
	baseCtx context.Context,
	provs map[providers.ID]providers.Provider,
	router *routing.Router,
	led *ledger.Ledger,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if router == nil {
		router = routing.New(nil)
	}
	if led == nil {
		led = ledger.New(ledger.DefaultCapacity)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = providers.MaxRetries
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	keepAlive := opts.StreamKeepAlive
	if keepAlive <= 0 {
		keepAlive = providers.StreamKeepAlive
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = ledger.DefaultMaxBodyBytes
	}
	counter := opts.Tokens
	if counter == nil {
		counter = tokens.New()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	cat := opts.Catalog
	if cat == nil {
		listers := make([]catalog.Lister, 0, len(provs))
		for _, p := range provs {
			listers = append(listers, p)
		}
		cat = catalog.New(listers, catalog.WithResolver(router), catalog.WithLogger(log))
	}

	return &Gateway{
		providers:       provs,
		router:          router,
		ledger:          led,
		catalog:         cat,
		health:          opts.Health,
		tokens:          counter,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		callLog:         opts.CallLogger,
		maxRetries:      maxRetries,
		providerTimeout: timeout,
		keepAlive:       keepAlive,
		maxBodyBytes:    maxBody,
		corsOrigins:     opts.CORSOrigins,
		version:         version,
		startTime:       time.Now(),
	}
}

// Ledger returns the call ledger the gateway writes to.
func (g *Gateway) Ledger() *ledger.Ledger { return g.ledger }

// ── Inbound / outbound wire types ─────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	inboundStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	// inboundRequest mirrors the OpenAI POST /v1/chat/completions body.
	// Fields the canonical model has no room for are ignored, except n > 1.
	inboundRequest struct {
		Model               string                `json:"model"`
		Messages            []inboundMessage      `json:"messages"`
		MaxTokens           *int                  `json:"max_tokens"`
		MaxCompletionTokens *int                  `json:"max_completion_tokens"`
		Temperature         *float64              `json:"temperature"`
		TopP                *float64              `json:"top_p"`
		FrequencyPenalty    *float64              `json:"frequency_penalty"`
		PresencePenalty     *float64              `json:"presence_penalty"`
		Stop                json.RawMessage       `json:"stop"`
		User                string                `json:"user"`
		N                   *int                  `json:"n"`
		Stream              bool                  `json:"stream"`
		StreamOptions       *inboundStreamOptions `json:"stream_options"`
	}

	contentPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   providers.Usage  `json:"usage"`
	}

	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	// outboundChunk is one chat.completion.chunk SSE payload.
	outboundChunk struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []chunkChoice    `json:"choices"`
		Usage   *providers.Usage `json:"usage,omitempty"`
	}

	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; it is
	// normalised to []string by parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
		User           string          `json:"user"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseContent flattens a message content field. Strings pass through;
// arrays may only hold text parts, which are concatenated.
func parseContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or an array of content parts")
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type != "text" {
			return "", fmt.Errorf("content part type %q is not supported", p.Type)
		}
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// parseStop accepts a string or an array of strings.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("'stop' must be a string or array of strings")
	}
	return arr, nil
}

// toChatRequest converts the wire request into the canonical one.
func (in *inboundRequest) toChatRequest() (*providers.ChatRequest, error) {
	if in.N != nil && *in.N > 1 {
		return nil, providers.Unsupported("", "n > 1 is not supported")
	}
	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		content, err := parseContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		msgs[i] = providers.Message{Role: m.Role, Content: content}
	}
	stop, err := parseStop(in.Stop)
	if err != nil {
		return nil, err
	}
	maxTokens := in.MaxTokens
	if maxTokens == nil {
		maxTokens = in.MaxCompletionTokens
	}
	req := &providers.ChatRequest{
		Model:            in.Model,
		Messages:         msgs,
		MaxTokens:        maxTokens,
		Temperature:      in.Temperature,
		TopP:             in.TopP,
		FrequencyPenalty: in.FrequencyPenalty,
		PresencePenalty:  in.PresencePenalty,
		Stop:             stop,
		User:             in.User,
		Stream:           in.Stream,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// resolve maps a model to a configured provider.
func (g *Gateway) resolve(model string) (providers.Provider, error) {
	pid, err := g.router.Resolve(model)
	if err != nil {
		return nil, err
	}
	prov, ok := g.providers[pid]
	if !ok {
		return nil, providers.Unavailable(pid, fmt.Errorf("provider %s is not configured", pid))
	}
	return prov, nil
}

// rejectRequest writes a 400 for a request that never reached a provider.
func (g *Gateway) rejectRequest(ctx *fasthttp.RequestCtx, call *callRecorder, err error) {
	if providers.KindOf(err) != 0 {
		status := handleProviderError(ctx, err)
		call.finish(status, ctx.Response.Body(), err)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
		apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	call.finish(fasthttp.StatusBadRequest, ctx.Response.Body(), err)
}

// dispatchChat handles POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	call := g.newCall(ctx, routeChat)
	reqID := call.rec.RequestID

	// 1. Parse and validate.
	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		g.rejectRequest(ctx, call, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	call.setModel(in.Model)

	req, err := in.toChatRequest()
	if err != nil {
		g.rejectRequest(ctx, call, err)
		return
	}

	// 2. Route to a provider.
	prov, err := g.resolve(req.Model)
	if err != nil {
		g.log.WarnContext(ctx, "route_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		status := handleProviderError(ctx, err)
		call.finish(status, ctx.Response.Body(), err)
		return
	}
	pid := prov.ID()
	call.setProvider(pid)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", string(pid)),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		includeUsage := in.StreamOptions != nil && in.StreamOptions.IncludeUsage
		g.streamChat(ctx, call, prov, req, includeUsage)
		return
	}

	// 3. Call the provider, retrying transient failures.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	start := time.Now()
	resp, err := withRetry(provCtx, g, pid, routeChat, reqID,
		func(c context.Context) (*providers.ChatResponse, error) {
			return prov.ChatCompletion(c, req)
		})
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("provider", string(pid)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		status := handleProviderError(ctx, err)
		call.finish(status, ctx.Response.Body(), err)
		return
	}

	// 4. Build the OpenAI-compatible envelope.
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]outboundChoice, len(resp.Choices)),
		Usage:   providers.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	for i, c := range resp.Choices {
		role := c.Message.Role
		if role == "" {
			role = providers.RoleAssistant
		}
		out.Choices[i] = outboundChoice{
			Index:        c.Index,
			Message:      outboundMessage{Role: role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		call.finish(fasthttp.StatusInternalServerError, ctx.Response.Body(), err)
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", string(pid)),
		slog.String("model", out.Model),
		slog.Int("prompt_tokens", out.Usage.PromptTokens),
		slog.Int("completion_tokens", out.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	call.setUsage(out.Usage)
	call.finish(fasthttp.StatusOK, body, nil)
}

// streamChat opens the upstream stream and hands it to the body stream
// writer. The stream context derives from baseCtx because the RequestCtx is
// recycled once the handler returns; a failed client write, keep-alive
// frames included, cancels it.
func (g *Gateway) streamChat(
	ctx *fasthttp.RequestCtx,
	call *callRecorder,
	prov providers.Provider,
	req *providers.ChatRequest,
	includeUsage bool,
) {
	call.markStreaming(ctx)
	pid := prov.ID()
	reqID := call.rec.RequestID

	sctx, cancel := context.WithCancel(g.baseCtx)
	st, err := prov.ChatCompletionStream(sctx, req)
	if err != nil {
		cancel()
		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.RecordError(string(pid), reason)
			g.metrics.RecordStream(string(pid), "error")
		}
		g.log.ErrorContext(ctx, "stream_open_failed",
			slog.String("request_id", reqID),
			slog.String("provider", string(pid)),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		status := handleProviderError(ctx, err)
		call.finish(status, ctx.Response.Body(), err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	s := &sseStream{
		g:            g,
		call:         call,
		st:           st,
		req:          req,
		pid:          pid,
		id:           "chatcmpl-" + strings.ReplaceAll(call.rec.ID, "-", ""),
		created:      time.Now().Unix(),
		includeUsage: includeUsage,
		cancel:       cancel,
	}
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		s.run(sctx, w)
	})
}

// sseStream pumps canonical deltas from an upstream stream to the client.
type sseStream struct {
	g            *Gateway
	call         *callRecorder
	st           providers.Stream
	req          *providers.ChatRequest
	pid          providers.ID
	id           string
	created      int64
	includeUsage bool
	cancel       context.CancelFunc

	w       *bufio.Writer
	content strings.Builder
	deltas  int
	pumped  chan struct{}
}

// pulled is one result of Stream.Next.
type pulled struct {
	d   providers.Delta
	err error
}

// pump calls Next until the stream ends or ctx is done. Next blocks on the
// upstream, so it runs apart from the writer loop.
func (s *sseStream) pump(ctx context.Context, out chan<- pulled) {
	defer close(s.pumped)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("stream reader panic: %v", r)
			select {
			case out <- pulled{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	for {
		d, err := s.st.Next(ctx)
		select {
		case out <- pulled{d: d, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// stop cancels the stream, releases the upstream and waits for the pump.
func (s *sseStream) stop() {
	s.cancel()
	_ = s.st.Close()
	<-s.pumped
}

func (s *sseStream) run(ctx context.Context, w *bufio.Writer) {
	s.w = w
	s.pumped = make(chan struct{})
	results := make(chan pulled)
	go s.pump(ctx, results)

	defer s.stop()
	defer func() {
		if r := recover(); r != nil {
			s.g.log.Error("stream_writer_panic",
				slog.Any("panic", r),
				slog.String("call_id", s.call.rec.ID),
			)
			s.end(fasthttp.StatusInternalServerError, fmt.Errorf("stream writer panic: %v", r), "error")
		}
	}()

	keepAlive := time.NewTicker(s.g.keepAlive)
	defer keepAlive.Stop()

	first := true
	for {
		var p pulled
		select {
		case p = <-results:
		case <-keepAlive.C:
			if err := s.comment("keep-alive"); err != nil {
				s.clientGone()
				return
			}
			continue
		}
		d, err := p.d, p.err
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.fail(err)
			return
		}

		chunk := s.chunk(d, first)
		first = false
		if err := s.event(chunk); err != nil {
			s.clientGone()
			return
		}
		s.content.WriteString(d.Content)
		s.deltas++
	}

	usage := s.usage()
	if s.includeUsage {
		final := outboundChunk{
			ID:      s.id,
			Object:  "chat.completion.chunk",
			Created: s.created,
			Model:   s.req.Model,
			Choices: []chunkChoice{},
			Usage:   &usage,
		}
		if err := s.event(final); err != nil {
			s.clientGone()
			return
		}
	}
	if err := s.raw("[DONE]"); err != nil {
		s.clientGone()
		return
	}

	s.call.setUsage(usage)
	s.end(fasthttp.StatusOK, nil, "ok")
}

func (s *sseStream) chunk(d providers.Delta, first bool) outboundChunk {
	c := chunkChoice{
		Index: d.Index,
		Delta: chunkDelta{Content: d.Content},
	}
	if first {
		c.Delta.Role = providers.RoleAssistant
	}
	if d.FinishReason != "" {
		reason := d.FinishReason
		c.FinishReason = &reason
	}
	return outboundChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.req.Model,
		Choices: []chunkChoice{c},
	}
}

// usage prefers upstream counters and fills the gaps by counting locally.
func (s *sseStream) usage() providers.Usage {
	up := s.st.Usage()
	if up.PromptTokens > 0 && up.CompletionTokens > 0 {
		return up
	}
	local := s.g.tokens.Usage(s.req, s.content.String())
	prompt, completion := up.PromptTokens, up.CompletionTokens
	if prompt == 0 {
		prompt = local.PromptTokens
	}
	if completion == 0 {
		completion = local.CompletionTokens
	}
	return providers.NewUsage(prompt, completion)
}

// fail reports a stream that ended abnormally. Partial output already sent
// stands; an error event follows unless the client is gone.
func (s *sseStream) fail(err error) {
	status, errType, code := errorEnvelope(err)
	outcome := "error"
	if providers.KindOf(err) == providers.KindClientCancelled {
		outcome = "cancelled"
	}
	if s.g.metrics != nil {
		s.g.metrics.RecordError(string(s.pid), classifyError(err))
	}
	s.g.log.Warn("stream_failed",
		slog.String("request_id", s.call.rec.RequestID),
		slog.String("provider", string(s.pid)),
		slog.Int("deltas", s.deltas),
		slog.String("error", err.Error()),
	)
	_ = s.raw(string(apierr.Body(err.Error(), errType, code)))

	s.call.setUsage(s.usage())
	s.end(status, err, outcome)
}

// clientGone finalizes a call whose client stopped reading. Nothing more is
// written to the connection.
func (s *sseStream) clientGone() {
	s.w = nil
	s.stop()
	err := providers.Cancelled(s.pid, "client cancelled")
	s.g.log.Info("stream_closed",
		slog.String("request_id", s.call.rec.RequestID),
		slog.String("provider", string(s.pid)),
		slog.Int("deltas", s.deltas),
		slog.String("reason", "client cancelled"),
	)
	s.call.setUsage(s.usage())
	s.end(providers.StatusClientClosedRequest, err, "cancelled")
}

func (s *sseStream) end(status int, err error, outcome string) {
	if s.g.metrics != nil {
		s.g.metrics.RecordStream(string(s.pid), outcome)
		s.g.metrics.AddStreamDeltas(string(s.pid), s.deltas)
	}
	if err == nil {
		s.g.log.Debug("stream_closed",
			slog.String("request_id", s.call.rec.RequestID),
			slog.String("provider", string(s.pid)),
			slog.Int("deltas", s.deltas),
		)
	}
	s.call.finish(status, nil, err)
}

func (s *sseStream) event(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(string(data))
}

// comment writes an SSE comment frame, which clients ignore.
func (s *sseStream) comment(text string) error {
	if s.w == nil {
		return io.ErrClosedPipe
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.w.Flush()
}

// raw writes one "data:" frame and flushes it. A flush error means the
// client connection is gone.
func (s *sseStream) raw(data string) error {
	if s.w == nil {
		return io.ErrClosedPipe
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.w.Flush()
}

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	call := g.newCall(ctx, routeEmbeddings)
	reqID := call.rec.RequestID

	// 1. Parse request.
	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		g.rejectRequest(ctx, call, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	call.setModel(in.Model)

	if strings.TrimSpace(in.Model) == "" {
		g.rejectRequest(ctx, call, providers.UnknownModel(""))
		return
	}
	if in.EncodingFormat != "" && in.EncodingFormat != "float" {
		g.rejectRequest(ctx, call, providers.Unsupported("", "encoding_format %q is not supported", in.EncodingFormat))
		return
	}
	inputs, err := parseEmbeddingInput(in.Input)
	if err != nil {
		g.rejectRequest(ctx, call, err)
		return
	}

	// 2. Resolve provider.
	prov, err := g.resolve(in.Model)
	if err != nil {
		status := handleProviderError(ctx, err)
		call.finish(status, ctx.Response.Body(), err)
		return
	}
	pid := prov.ID()
	call.setProvider(pid)

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", in.Model),
		slog.String("provider", string(pid)),
		slog.Int("inputs", len(inputs)),
	)

	// 3. Call the provider.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	start := time.Now()
	embReq := &providers.EmbeddingRequest{Model: in.Model, Input: inputs, User: in.User}
	resp, err := withRetry(provCtx, g, pid, routeEmbeddings, reqID,
		func(c context.Context) (*providers.EmbeddingResponse, error) {
			return prov.Embeddings(c, embReq)
		})
	if err != nil {
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", string(pid)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		status := handleProviderError(ctx, err)
		call.finish(status, ctx.Response.Body(), err)
		return
	}

	// 4. Build OpenAI-compatible response.
	outData := make([]outboundEmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		outData[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}
	model := resp.Model
	if model == "" {
		model = in.Model
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.PromptTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		call.finish(fasthttp.StatusInternalServerError, ctx.Response.Body(), err)
		return
	}

	g.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID),
		slog.String("provider", string(pid)),
		slog.Int("vectors", len(outData)),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	call.setUsage(providers.NewUsage(resp.Usage.PromptTokens, 0))
	call.finish(fasthttp.StatusOK, body, nil)
}
