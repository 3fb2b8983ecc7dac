package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/planner"
	"github.com/nulpointcorp/llm-gateway/internal/proxynode"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// handleDispatch is the one fasthttp handler mounted for every client-facing
// wire endpoint once full mode is active (router.go). It builds a
// dispatch.ClientRequest from the path+body and hands it to the
// Dispatcher's synchronous pipeline, except for the two async video routes
// which it special-cases below since they don't fit Do's attempt loop.
func (a *App) handleDispatch(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())

	switch {
	case string(ctx.Method()) == fasthttp.MethodPost && path == "/v1/videos":
		a.handleVideoSubmit(ctx)
		return
	case string(ctx.Method()) == fasthttp.MethodGet && strings.HasPrefix(path, "/v1/videos/"):
		a.handleVideoGet(ctx, strings.TrimPrefix(path, "/v1/videos/"))
		return
	}

	family, kind, taskType := classifyPath(path)
	body := append([]byte(nil), ctx.PostBody()...)

	req := dispatch.ClientRequest{
		RequestID:    uuid.NewString(),
		APIKeyToken:  bearerToken(ctx),
		APIFamily:    family,
		EndpointKind: kind,
		TaskType:     taskType,
		Model:        gjson.GetBytes(body, "model").String(),
		Stream:       gjson.GetBytes(body, "stream").Bool(),
		Body:         body,
	}

	result, err := a.full.dispatcher.Do(ctx, req)
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}
	ctx.SetStatusCode(result.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(result.Body)
}

// classifyPath maps a wire path to the client-facing (family, endpoint
// kind, task type) triple dispatch.ClientRequest needs. /v1/responses is
// OpenAI's CLI-style endpoint (task_type "cli" activates the dimension
// collector fallback rule of spec §4.B).
func classifyPath(path string) (family, kind, taskType string) {
	switch {
	case path == "/v1/responses":
		return "openai", "chat", "cli"
	case path == "/v1/messages":
		return "claude", "messages", "chat"
	case path == "/v1/embeddings":
		return "openai", "embeddings", "embeddings"
	case strings.HasPrefix(path, "/v1beta/models/"):
		return "gemini", "generateContent", "chat"
	default: // /v1/chat/completions, /v1/completions
		return "openai", "chat", "chat"
	}
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	return strings.TrimPrefix(auth, "Bearer ")
}

// writeDispatchError maps the dispatcher's sentinel error types to the
// HTTP statuses spec §7 names.
func writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var authErr *dispatch.AuthError
	var quotaErr *dispatch.QuotaError
	var noCandErr *dispatch.NoCandidatesError

	switch {
	case errors.As(err, &authErr):
		apierr.Write(ctx, fasthttp.StatusUnauthorized, authErr.Error(), apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	case errors.As(err, &quotaErr):
		apierr.WriteQuotaExceeded(ctx, quotaErr.Error())
	case errors.As(err, &noCandErr):
		apierr.WriteNoProvidersAvailable(ctx, noCandErr.Error())
	case errors.Is(err, context.Canceled):
		ctx.SetStatusCode(499)
	default:
		apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, err.Error())
	}
}

// handleVideoSubmit implements POST /v1/videos of spec scenario #5: submit
// a video generation job, record a VideoTask plus a "pending" Usage row,
// and return the gateway's own request_id for the client to poll — the
// poller (internal/videopoll, driven by the scheduler) takes it from here.
func (a *App) handleVideoSubmit(ctx *fasthttp.RequestCtx) {
	d := a.full.dispatcher
	apiKey, user, err := d.Authenticate(ctx, bearerToken(ctx))
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}

	body := append([]byte(nil), ctx.PostBody()...)
	model := gjson.GetBytes(body, "model").String()

	candidates, err := d.PlanCandidates(planner.Request{
		RequestedModel: model,
		APIFamily:      "openai",
		EndpointKind:   "video",
		TaskType:       "video",
	})
	if err != nil || len(candidates) == 0 {
		apierr.WriteNoProvidersAvailable(ctx, "no providers available for video generation")
		return
	}
	cand := candidates[0]

	resp, err := a.full.upstream.Send(ctx, cand, dispatch.UpstreamRequest{Body: body})
	if err != nil {
		apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, err.Error())
		return
	}
	if resp.StatusCode >= 400 {
		apierr.WriteProviderError(ctx, resp.StatusCode, string(resp.Body))
		return
	}

	requestID := uuid.NewString()
	externalID := gjson.GetBytes(resp.Body, "id").String()

	task := store.VideoTask{
		UsageRequestID:     requestID,
		ExternalTaskID:     externalID,
		ProviderID:         cand.ProviderID,
		ProviderEndpointID: cand.EndpointID,
		ProviderAPIKeyID:   cand.CredentialID,
		Status:             "submitted",
		NextPollAt:         time.Now(),
	}
	if err := d.Store().DB().WithContext(ctx).Create(&task).Error; err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to record video task", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	usage := store.Usage{
		RequestID:          requestID,
		RequestedModel:     model,
		ClientAPIFormat:    "openai",
		Status:             "pending",
		BillingStatus:      "pending",
		ProviderID:         &cand.ProviderID,
		ProviderEndpointID: &cand.EndpointID,
		ProviderAPIKeyID:   &cand.CredentialID,
	}
	if apiKey != nil {
		usage.APIKeyID = &apiKey.ID
	}
	if user != nil {
		usage.UserID = &user.ID
	}
	if err := d.Store().UpsertUsage(ctx, &usage); err != nil {
		a.log.Error("video submit: usage write failed", "error", err.Error())
	}

	writeJSON(ctx, map[string]any{"id": requestID, "status": "submitted"})
}

// handleVideoGet implements GET /v1/videos/{id}: reports the current
// VideoTask status, updated asynchronously by the scheduler-driven poller.
func (a *App) handleVideoGet(ctx *fasthttp.RequestCtx, requestID string) {
	var task store.VideoTask
	if err := a.full.dispatcher.Store().DB().WithContext(ctx).
		Where("usage_request_id = ?", requestID).First(&task).Error; err != nil {
		apierr.WriteNotFound(ctx, "video task not found")
		return
	}

	resp := map[string]any{
		"id":     task.UsageRequestID,
		"status": task.Status,
		"progress": map[string]any{
			"percent": task.ProgressPercent,
			"message": task.ProgressMessage,
		},
	}
	if task.VideoURL != "" {
		resp["video_url"] = task.VideoURL
	}
	if len(task.VideoURLs) > 0 {
		resp["video_urls"] = []string(task.VideoURLs)
	}
	if task.ErrorMessage != "" {
		resp["error"] = map[string]any{"code": task.ErrorCode, "message": task.ErrorMessage}
	}
	writeJSON(ctx, resp)
}

// handleProxyNodeRegister implements POST /api/admin/proxy-nodes/register.
func (a *App) handleProxyNodeRegister(ctx *fasthttp.RequestCtx) {
	var req proxynode.RegisterRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	node, err := a.full.proxynodes.Register(ctx, req)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"id": node.ID, "status": node.Status})
}

// handleProxyNodeHeartbeat implements POST /api/admin/proxy-nodes/heartbeat.
func (a *App) handleProxyNodeHeartbeat(ctx *fasthttp.RequestCtx) {
	var req struct {
		NodeID            uint64  `json:"node_id"`
		ActiveConnections int     `json:"active_connections"`
		TotalRequests     int64   `json:"total_requests"`
		AvgLatencyMs      float64 `json:"avg_latency_ms"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	remoteConfig, version, err := a.full.proxynodes.Heartbeat(ctx, req.NodeID, proxynode.HeartbeatMetrics{
		ActiveConnections: req.ActiveConnections,
		TotalRequests:     req.TotalRequests,
		AvgLatencyMs:      req.AvgLatencyMs,
	})
	if err != nil {
		apierr.WriteNotFound(ctx, "unknown proxy node")
		return
	}
	writeJSON(ctx, map[string]any{"remote_config": remoteConfig, "config_version": version})
}

// handleProxyNodeUnregister implements POST /api/admin/proxy-nodes/unregister.
func (a *App) handleProxyNodeUnregister(ctx *fasthttp.RequestCtx) {
	var req struct {
		NodeID uint64 `json:"node_id"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	a.full.tunnels.Detach(req.NodeID)
	if err := a.full.proxynodes.Delete(ctx, req.NodeID); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}
