package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler

	// Dispatch, when set, routes the client-facing wire endpoints through
	// the full multi-tenant pipeline (internal/dispatch.Dispatcher) instead
	// of the simple in-process Gateway below — i.e. "full mode" is active
	// because internal/store is configured (see internal/app/fullmode.go).
	// One handler covers every family/kind; it reads the path and body to
	// build a dispatch.ClientRequest.
	Dispatch RouteHandler

	// ProxyNodeRegister/Heartbeat/Unregister expose spec §4.K/§6's node
	// tunnel lifecycle endpoints. Only registered in full mode.
	ProxyNodeRegister  RouteHandler
	ProxyNodeHeartbeat RouteHandler
	ProxyNodeUnregister RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	if mgmt != nil && mgmt.Dispatch != nil {
		// Full mode: the multi-tenant dispatch pipeline owns every
		// client-facing wire endpoint spec §6 names.
		r.POST("/v1/chat/completions", mgmt.Dispatch)
		r.POST("/v1/completions", mgmt.Dispatch)
		r.POST("/v1/embeddings", mgmt.Dispatch)
		r.POST("/v1/responses", mgmt.Dispatch)
		r.POST("/v1/messages", mgmt.Dispatch)
		r.POST("/v1/videos", mgmt.Dispatch)
		r.GET("/v1/videos/{id}", mgmt.Dispatch)
		r.POST("/v1beta/models/{modelAndAction}", mgmt.Dispatch)
	} else {
		r.POST("/v1/chat/completions", g.handleChatCompletions)
		r.POST("/v1/completions", g.handleCompletions)
		r.POST("/v1/embeddings", g.handleEmbeddings)
	}
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}
	if mgmt != nil && mgmt.ProxyNodeRegister != nil {
		r.POST("/api/admin/proxy-nodes/register", mgmt.ProxyNodeRegister)
		r.POST("/api/admin/proxy-nodes/heartbeat", mgmt.ProxyNodeHeartbeat)
		r.POST("/api/admin/proxy-nodes/unregister", mgmt.ProxyNodeUnregister)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
