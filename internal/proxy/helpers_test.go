package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/provider-gateway/internal/ledger"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/routing"
	"github.com/nulpointcorp/provider-gateway/internal/tokens"
)

// --- fakeProvider -----------------------------------------------------------

type fakeProvider struct {
	id       providers.ID
	chatFn   func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	streamFn func(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error)
	embedFn  func(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
	models   []providers.Model
	modelErr error
	health   providers.Health

	chatCalls  atomic.Int32
	embedCalls atomic.Int32

	mu      sync.Mutex
	lastReq *providers.ChatRequest
}

func (p *fakeProvider) ID() providers.ID { return p.id }

func (p *fakeProvider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.chatCalls.Add(1)
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	if p.chatFn != nil {
		return p.chatFn(ctx, req)
	}
	return &providers.ChatResponse{
		ID:      "resp-1",
		Model:   req.Model,
		Created: 1700000000,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: providers.RoleAssistant, Content: "hello from " + string(p.id)},
			FinishReason: providers.FinishStop,
		}},
		Usage: providers.NewUsage(10, 5),
	}, nil
}

func (p *fakeProvider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	if p.streamFn != nil {
		return p.streamFn(ctx, req)
	}
	return &fakeStream{deltas: []providers.Delta{
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: providers.FinishStop},
	}}, nil
}

func (p *fakeProvider) Embeddings(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	p.embedCalls.Add(1)
	if p.embedFn != nil {
		return p.embedFn(ctx, req)
	}
	data := make([]providers.Embedding, len(req.Input))
	for i := range req.Input {
		data[i] = providers.Embedding{Index: i, Embedding: []float64{0.1, 0.2, 0.3}}
	}
	return &providers.EmbeddingResponse{Model: req.Model, Data: data, Usage: providers.NewUsage(4, 0)}, nil
}

func (p *fakeProvider) ListModels(context.Context) ([]providers.Model, error) {
	return p.models, p.modelErr
}

func (p *fakeProvider) HealthCheck(context.Context) providers.Health {
	if p.health == "" {
		return providers.Healthy
	}
	return p.health
}

func (p *fakeProvider) request() *providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

// --- fakeStream -------------------------------------------------------------

// fakeStream replays deltas. After them it returns err, or blocks until ctx
// is done when hang is set, or returns io.EOF.
type fakeStream struct {
	deltas []providers.Delta
	err    error
	hang   bool
	every  time.Duration // delay before each delta
	usage  providers.Usage

	i      int
	closed atomic.Bool
}

func (s *fakeStream) Next(ctx context.Context) (providers.Delta, error) {
	if s.every > 0 {
		select {
		case <-ctx.Done():
			return providers.Delta{}, providers.Cancelled("", "client cancelled")
		case <-time.After(s.every):
		}
	}
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.hang {
		<-ctx.Done()
		return providers.Delta{}, providers.Cancelled("", "client cancelled")
	}
	if s.err != nil {
		return providers.Delta{}, s.err
	}
	return providers.Delta{}, io.EOF
}

func (s *fakeStream) Usage() providers.Usage { return s.usage }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// endlessStream emits one content delta every tick until ctx is cancelled.
func endlessStream(tick time.Duration) *fakeStream {
	deltas := make([]providers.Delta, 10_000)
	for i := range deltas {
		deltas[i] = providers.Delta{Content: "x"}
	}
	return &fakeStream{deltas: deltas, every: tick}
}

// --- gateway harness --------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// offlineTokens never downloads an encoding.
func offlineTokens() *tokens.Counter {
	return tokens.NewWithLoader(func(string) (*tiktoken.Tiktoken, error) {
		return nil, io.ErrUnexpectedEOF
	})
}

func newTestGateway(t *testing.T, opts Options, provs ...*fakeProvider) *Gateway {
	t.Helper()
	m := make(map[providers.ID]providers.Provider, len(provs))
	for _, p := range provs {
		m[p.id] = p
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Tokens == nil {
		opts.Tokens = offlineTokens()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, m, routing.New(nil), ledger.New(100), opts)
}

// serveGateway starts the full handler on an in-memory listener and returns
// an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 10 * time.Second,
	}

	t.Cleanup(func() {
		client.CloseIdleConnections()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return client
}

func doRequest(t *testing.T, client *http.Client, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doPost(t *testing.T, client *http.Client, path, body string) *http.Response {
	t.Helper()
	return doRequest(t, client, http.MethodPost, path, []byte(body))
}

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	return doRequest(t, client, http.MethodGet, path, nil)
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	body := readBody(t, resp)
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// sseEvents splits an SSE body into its data payloads.
func sseEvents(t *testing.T, body []byte) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, data)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

// waitRecord polls the ledger until the call with id is recorded.
func waitRecord(t *testing.T, gw *Gateway, id string) ledger.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := gw.ledger.Get(id); ok {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("call %s was not recorded", id)
	return ledger.Record{}
}
