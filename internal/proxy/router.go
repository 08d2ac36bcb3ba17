package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/internal/ledger"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/pkg/apierr"
)

// Ledger listing bounds for GET /web/api/calls.
const (
	defaultCallsLimit = 50
	maxCallsLimit     = 1000
)

const shutdownTimeout = 10 * time.Second

// Handler builds the route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()
	m := g.metrics

	r.POST("/v1/chat/completions", instrument(m, routeChat, g.dispatchChat))
	r.POST("/v1/embeddings", instrument(m, routeEmbeddings, g.dispatchEmbeddings))
	r.GET("/v1/models", instrument(m, "models", g.handleModels))
	r.GET("/v1/models/{model:*}", instrument(m, "model", g.handleModel))

	r.GET("/health", g.handleHealth)
	r.GET("/health/live", g.handleLive)
	r.GET("/health/ready", g.handleReady)
	r.GET("/health/detailed", g.handleDetailed)

	r.GET("/web/api/calls", instrument(m, "calls", g.handleListCalls))
	r.DELETE("/web/api/calls", instrument(m, "calls_clear", g.handleClearCalls))
	r.GET("/web/api/calls/{id}", instrument(m, "call", g.handleGetCall))
	r.GET("/web/api/stats", instrument(m, "stats", g.handleStats))

	if m != nil {
		r.GET("/metrics", m.Handler())
	}

	return chain(r.Handler, recovery(g.log), requestID, cors(g.corsOrigins))
}

func (g *Gateway) server() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses last as long as the upstream stream.
		IdleTimeout: 120 * time.Second,
	}
}

// ListenAndServe serves on addr (e.g. ":8080") until ctx is cancelled, then
// shuts the server down gracefully.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := g.server()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	}
}

// ── Models ───────────────────────────────────────────────────────────────────

type outboundModel struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	OwnedBy  string       `json:"owned_by"`
	Provider providers.ID `json:"provider"`
}

func toOutboundModel(m providers.Model) outboundModel {
	return outboundModel{
		ID:       m.ID,
		Object:   "model",
		Created:  m.Created,
		OwnedBy:  m.OwnedBy,
		Provider: m.Provider,
	}
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	models := g.catalog.List(ctx)
	data := make([]outboundModel, len(models))
	for i, m := range models {
		data[i] = toOutboundModel(m)
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleModel serves GET /v1/models/available and GET /v1/models/{model}.
func (g *Gateway) handleModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("model").(string)
	if id == "available" {
		writeJSON(ctx, g.catalog.Available(ctx))
		return
	}
	m, ok := g.catalog.Find(ctx, id)
	if !ok {
		apierr.WriteNotFound(ctx, fmt.Sprintf("model %s not found", id))
		return
	}
	writeJSON(ctx, toOutboundModel(m))
}

// ── Health ───────────────────────────────────────────────────────────────────

type healthStatus struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (g *Gateway) healthStatus(status string) healthStatus {
	return healthStatus{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       g.version,
		UptimeSeconds: time.Since(g.startTime).Seconds(),
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.healthStatus(overallHealthy))
}

func (g *Gateway) handleLive(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "alive"})
}

// configured returns the configured provider ids in stable order.
func (g *Gateway) configured() []providers.ID {
	ids := make([]providers.ID, 0, len(g.providers))
	for id := range g.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (g *Gateway) handleReady(ctx *fasthttp.RequestCtx) {
	ready := g.configured()
	if g.health != nil {
		ready = g.health.Ready()
	}
	if len(ready) == 0 {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]any{"status": "not_ready", "detail": "no providers available"})
		return
	}
	writeJSON(ctx, map[string]any{"status": "ready", "providers": ready})
}

func (g *Gateway) handleDetailed(ctx *fasthttp.RequestCtx) {
	overall := statusUnknown
	statuses := make(map[providers.ID]ProviderStatus, len(g.providers))
	if g.health != nil {
		overall = g.health.Overall()
		statuses = g.health.Statuses()
	} else {
		for _, id := range g.configured() {
			statuses[id] = ProviderStatus{Provider: id, Status: statusUnknown}
		}
	}
	writeJSON(ctx, map[string]any{
		"overall":   g.healthStatus(overall),
		"providers": statuses,
	})
}

// ── Call ledger ──────────────────────────────────────────────────────────────

// parseCallsQuery reads limit, offset, model and status query arguments.
func parseCallsQuery(args *fasthttp.Args) (ledger.Query, error) {
	q := ledger.Query{
		Limit:  defaultCallsLimit,
		Model:  string(args.Peek("model")),
		Status: string(args.Peek("status")),
	}
	if v := args.Peek("limit"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n < 1 || n > maxCallsLimit {
			return q, fmt.Errorf("'limit' must be an integer between 1 and %d", maxCallsLimit)
		}
		q.Limit = n
	}
	if v := args.Peek("offset"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n < 0 {
			return q, fmt.Errorf("'offset' must be a non-negative integer")
		}
		q.Offset = n
	}
	switch q.Status {
	case "", ledger.StatusSuccess, ledger.StatusError:
	default:
		return q, fmt.Errorf("'status' must be %q or %q", ledger.StatusSuccess, ledger.StatusError)
	}
	return q, nil
}

func (g *Gateway) handleListCalls(ctx *fasthttp.RequestCtx) {
	q, err := parseCallsQuery(ctx.QueryArgs())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	matching := g.ledger.List(ledger.Query{Model: q.Model, Status: q.Status})
	total := len(matching)

	page := []ledger.Record{}
	if q.Offset < total {
		end := min(q.Offset+q.Limit, total)
		page = matching[q.Offset:end]
	}
	writeJSON(ctx, map[string]any{"calls": page, "total": total})
}

func (g *Gateway) handleGetCall(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	rec, ok := g.ledger.Get(id)
	if !ok {
		apierr.WriteNotFound(ctx, fmt.Sprintf("call %s not found", id))
		return
	}
	writeJSON(ctx, rec)
}

func (g *Gateway) handleClearCalls(ctx *fasthttp.RequestCtx) {
	g.ledger.Clear()
	if g.metrics != nil {
		g.metrics.SetLedgerRecords(0)
	}
	g.log.InfoContext(ctx, "ledger_cleared")
	writeJSON(ctx, map[string]string{"message": "API calls cleared"})
}

func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.ledger.Stats())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetBody(data)
}
