package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/convert"
	"github.com/nulpointcorp/llm-gateway/internal/dimensions"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/planner"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
)

// ClientRequest is the normalized ask reaching the dispatcher after the
// HTTP layer has parsed headers and body.
type ClientRequest struct {
	RequestID    string
	APIKeyToken  string // raw bearer token; hashed internally, never logged
	APIFamily    string // client-facing family: openai|claude|gemini
	EndpointKind string
	TaskType     string
	Model        string
	Stream       bool
	Body         []byte // decoded JSON body in the client's family shape
}

// Result is what the dispatcher hands back to the HTTP layer once a
// request reaches a terminal outcome.
type Result struct {
	StatusCode int
	Body       []byte
	Usage      store.Usage
}

// TokenUsage is the provider-reported usage for one attempt.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// UpstreamRequest is what the dispatcher sends a candidate.
type UpstreamRequest struct {
	Body   []byte
	Stream bool
}

// UpstreamResponse is what a candidate attempt yields.
type UpstreamResponse struct {
	StatusCode int
	Body       []byte
	Usage      TokenUsage
}

// Upstream performs one attempt against a specific candidate. Transport
// errors (connection refused, timeout) are returned as err; a response
// that upstream itself rejected (4xx/5xx) is returned as a normal
// UpstreamResponse with that status code.
type Upstream interface {
	Send(ctx context.Context, c planner.Candidate, req UpstreamRequest) (UpstreamResponse, error)
}

// AuthError is returned by authenticate for any credential problem;
// always maps to HTTP 401.
type AuthError struct{ Reason string }

func (e *AuthError) Error() string { return "dispatch: auth: " + e.Reason }

// QuotaError is returned when a user/key has exhausted its budget.
type QuotaError struct{ Reason string }

func (e *QuotaError) Error() string { return "dispatch: quota: " + e.Reason }

// NoCandidatesError means the planner found nothing admissible.
type NoCandidatesError struct{ Model string }

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("dispatch: no admissible candidates for model %q", e.Model)
}

// Dispatcher runs the linear pipeline of spec §4.H: authenticate, check
// quota, normalize, plan, attempt in ranked order with a per-attempt
// ledger entry, settle usage via telemetry.
type Dispatcher struct {
	st       *store.Store
	planner  *planner.Planner
	health   *health.Manager
	billing  *billing.Engine
	convert  *convert.Registry
	upstream Upstream
	writer   telemetry.Writer

	collectors []dimensions.Collector
	log        *slog.Logger
}

func New(
	st *store.Store,
	p *planner.Planner,
	h *health.Manager,
	b *billing.Engine,
	cv *convert.Registry,
	up Upstream,
	w telemetry.Writer,
	collectors []dimensions.Collector,
	log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{st: st, planner: p, health: h, billing: b, convert: cv, upstream: up, writer: w, collectors: collectors, log: log}
}

// Do runs one request through the full pipeline.
func (d *Dispatcher) Do(ctx context.Context, req ClientRequest) (*Result, error) {
	apiKey, user, err := d.authenticate(ctx, req.APIKeyToken)
	if err != nil {
		return nil, err
	}
	if err := d.checkQuota(apiKey, user); err != nil {
		return nil, err
	}

	candidates, err := d.planner.Plan(planner.Request{
		RequestedModel:       req.Model,
		APIFamily:            req.APIFamily,
		EndpointKind:         req.EndpointKind,
		TaskType:             req.TaskType,
		AllowedProviders:     apiKeyAllowed(apiKey, user, "providers"),
		AllowedEndpoints:     apiKeyAllowed(apiKey, user, "endpoints"),
		AllowedAPIFormats:    apiKeyAllowed(apiKey, user, "api_formats"),
		AllowedModels:        apiKeyAllowed(apiKey, user, "models"),
		RequiredCapabilities: requiredCapabilities(req),
		AffinityKey:          affinityKey(apiKey, user),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: plan: %w", err)
	}
	if len(candidates) == 0 {
		d.recordFailure(ctx, req, nil, "no_candidates", "no admissible candidates")
		return nil, &NoCandidatesError{Model: req.Model}
	}

	var lastErr error
	for retryIndex, cand := range candidates {
		start := time.Now()
		if d.health != nil {
			d.health.AcquireSlot(cand.CredentialID)
		}

		reqBody, convErr := d.convertRequest(req, cand)
		if convErr != nil {
			if d.health != nil {
				d.health.ReleaseSlot(cand.CredentialID)
			}
			lastErr = convErr
			d.ledger(ctx, req.RequestID, retryIndex, cand, "failed", "convert_error", nil)
			continue
		}

		resp, err := d.upstream.Send(ctx, cand, UpstreamRequest{Body: reqBody, Stream: req.Stream})
		latency := time.Since(start).Milliseconds()

		if err != nil {
			if d.health != nil {
				d.health.ReleaseSlot(cand.CredentialID)
				d.health.RecordResult(cand.CredentialID, classifyTransportError(ctx, err))
			}
			lastErr = err
			d.ledger(ctx, req.RequestID, retryIndex, cand, "failed", "transport_error", nil)
			if errors.Is(ctx.Err(), context.Canceled) {
				d.recordFailure(ctx, req, &cand, "cancelled", "client cancelled")
				return nil, ctx.Err()
			}
			continue
		}

		if d.health != nil {
			d.health.ReleaseSlot(cand.CredentialID)
			d.health.RecordResult(cand.CredentialID, classifyStatus(resp.StatusCode))
		}

		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			d.ledger(ctx, req.RequestID, retryIndex, cand, "failed", fmt.Sprintf("http_%d", resp.StatusCode), nil)
			lastErr = fmt.Errorf("dispatch: upstream status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			// Permanent for this candidate only; still try the next
			// distinct provider per the §9 retry-policy decision.
			d.ledger(ctx, req.RequestID, retryIndex, cand, "failed", fmt.Sprintf("http_%d", resp.StatusCode), nil)
			lastErr = fmt.Errorf("dispatch: upstream status %d", resp.StatusCode)
			continue
		}

		respBody, convErr := d.convertResponse(req, cand, resp.Body)
		if convErr != nil {
			d.ledger(ctx, req.RequestID, retryIndex, cand, "failed", "convert_error", nil)
			lastErr = convErr
			continue
		}

		d.ledger(ctx, req.RequestID, retryIndex, cand, "selected", "", &latency)
		usage := d.settle(ctx, req, cand, resp, apiKey, user, "completed", "")
		return &Result{StatusCode: resp.StatusCode, Body: respBody, Usage: usage}, nil
	}

	if lastErr == nil {
		lastErr = &NoCandidatesError{Model: req.Model}
	}
	d.recordFailure(ctx, req, nil, "upstream_error", lastErr.Error())
	return nil, lastErr
}

// Authenticate exposes the credential+quota check of Do's opening steps for
// callers building an alternate pipeline atop the same credential model —
// currently the async video-task submission path, which shares
// authentication with the synchronous dispatch flow but not its attempt
// loop.
func (d *Dispatcher) Authenticate(ctx context.Context, token string) (*store.ApiKey, *store.User, error) {
	key, user, err := d.authenticate(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if err := d.checkQuota(key, user); err != nil {
		return nil, nil, err
	}
	return key, user, nil
}

// PlanCandidates exposes planner.Plan for the video submission path.
func (d *Dispatcher) PlanCandidates(req planner.Request) ([]planner.Candidate, error) {
	return d.planner.Plan(req)
}

// Store exposes the backing store for app-layer code that needs to write
// rows outside Do's own ledger/usage writes (video task creation).
func (d *Dispatcher) Store() *store.Store { return d.st }

func (d *Dispatcher) authenticate(ctx context.Context, token string) (*store.ApiKey, *store.User, error) {
	if token == "" {
		return nil, nil, &AuthError{Reason: "missing credential"}
	}
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	var key store.ApiKey
	if err := d.st.DB().WithContext(ctx).Where("key_hash = ?", hash).First(&key).Error; err != nil {
		return nil, nil, &AuthError{Reason: "unknown credential"}
	}
	if key.Status != "active" {
		return nil, nil, &AuthError{Reason: "credential not active"}
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, nil, &AuthError{Reason: "credential expired"}
	}

	var user *store.User
	if key.UserID != nil {
		var u store.User
		if err := d.st.DB().WithContext(ctx).First(&u, *key.UserID).Error; err == nil {
			user = &u
		}
	}
	return &key, user, nil
}

func (d *Dispatcher) checkQuota(key *store.ApiKey, user *store.User) error {
	if user != nil && user.QuotaUSD != nil && user.UsedUSD >= *user.QuotaUSD {
		return &QuotaError{Reason: "user quota exhausted"}
	}
	return nil
}

func apiKeyAllowed(key *store.ApiKey, user *store.User, kind string) []string {
	switch kind {
	case "providers":
		if len(key.AllowedProviders) > 0 {
			return key.AllowedProviders
		}
		if user != nil {
			return user.AllowedProviders
		}
	case "endpoints":
		if len(key.AllowedEndpoints) > 0 {
			return key.AllowedEndpoints
		}
		if user != nil {
			return user.AllowedEndpoints
		}
	case "api_formats":
		// ApiKey is the only level that carries an api_formats allow-list;
		// User has no equivalent column (spec §3: User carries provider/
		// endpoint/model allow-lists only).
		if len(key.AllowedAPIFormats) > 0 {
			return key.AllowedAPIFormats
		}
	case "models":
		if len(key.AllowedModels) > 0 {
			return key.AllowedModels
		}
		if user != nil {
			return user.AllowedModels
		}
	}
	return nil
}

// requiredCapabilities inspects the client request body for shape cues that
// imply a capability the serving model/credential must support, per spec
// §4.F's Input ("required capabilities — e.g. vision, function-calling,
// extended-thinking — derived from request shape"). Detection is
// family-agnostic gjson probing of the handful of field names every
// supported family uses for these constructs.
func requiredCapabilities(req ClientRequest) []string {
	var caps []string
	if hasVisionContent(req.Body) {
		caps = append(caps, "vision")
	}
	if gjson.GetBytes(req.Body, "tools").Exists() || gjson.GetBytes(req.Body, "functions").Exists() {
		caps = append(caps, "function_calling")
	}
	if gjson.GetBytes(req.Body, "thinking").Exists() || gjson.GetBytes(req.Body, "reasoning").Exists() ||
		gjson.GetBytes(req.Body, "generationConfig.thinkingConfig").Exists() {
		caps = append(caps, "extended_thinking")
	}
	return caps
}

// hasVisionContent looks for an image/vision content part among openai- and
// claude-shaped multi-part messages, or a gemini inlineData part.
func hasVisionContent(body []byte) bool {
	found := false
	gjson.GetBytes(body, "messages.#.content").ForEach(func(_, content gjson.Result) bool {
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "image_url", "image":
				found = true
				return false
			}
			return true
		})
		return !found
	})
	if found {
		return true
	}
	gjson.GetBytes(body, "contents.#.parts").ForEach(func(_, parts gjson.Result) bool {
		parts.ForEach(func(_, part gjson.Result) bool {
			if part.Get("inlineData").Exists() || part.Get("inline_data").Exists() {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}

func affinityKey(key *store.ApiKey, user *store.User) string {
	if key != nil {
		return fmt.Sprintf("apikey:%d", key.ID)
	}
	if user != nil {
		return fmt.Sprintf("user:%d", user.ID)
	}
	return ""
}

// hookKey resolves the VariantHook registration key for a candidate:
// ProviderType is the quirk discriminator ("codex", "antigravity") per
// spec §9; providers with no declared type fall back to their name so a
// hook can still be registered ad hoc without a ProviderType migration.
func hookKey(cand planner.Candidate) string {
	if cand.ProviderType != "" {
		return cand.ProviderType
	}
	return cand.ProviderName
}

func (d *Dispatcher) convertRequest(req ClientRequest, cand planner.Candidate) ([]byte, error) {
	from := convert.Signature{Family: req.APIFamily, EndpointKind: req.EndpointKind}
	to := convert.Signature{Family: cand.APIFamily, EndpointKind: cand.EndpointKind}
	conv, ok := d.convert.Lookup(from, to)
	if !ok {
		return nil, fmt.Errorf("dispatch: no converter for %+v -> %+v", from, to)
	}
	body, err := conv.ConvertRequest(req.Body)
	if err != nil {
		return nil, err
	}
	ctx := convert.RequestContext{Provider: cand.ProviderName, Model: cand.UpstreamModel, UpstreamName: cand.UpstreamModel, TaskType: req.TaskType, Stream: req.Stream}
	return d.convert.Hook(hookKey(cand)).WrapRequest(body, ctx)
}

func (d *Dispatcher) convertResponse(req ClientRequest, cand planner.Candidate, body []byte) ([]byte, error) {
	ctx := convert.RequestContext{Provider: cand.ProviderName, Model: cand.UpstreamModel, UpstreamName: cand.UpstreamModel, TaskType: req.TaskType, Stream: req.Stream}
	unwrapped, err := d.convert.Hook(hookKey(cand)).UnwrapResponse(body, ctx)
	if err != nil {
		return nil, err
	}
	from := convert.Signature{Family: req.APIFamily, EndpointKind: req.EndpointKind}
	to := convert.Signature{Family: cand.APIFamily, EndpointKind: cand.EndpointKind}
	conv, ok := d.convert.Lookup(from, to)
	if !ok {
		return nil, fmt.Errorf("dispatch: no converter for %+v -> %+v", from, to)
	}
	return conv.ConvertResponse(unwrapped)
}

func (d *Dispatcher) ledger(ctx context.Context, requestID string, retryIndex int, c planner.Candidate, status, skipReason string, latencyMs *int64) {
	rec := &store.RequestCandidate{
		RequestID:          requestID,
		RetryIndex:         retryIndex,
		ProviderID:         c.ProviderID,
		ProviderEndpointID: c.EndpointID,
		ProviderAPIKeyID:   c.CredentialID,
		Status:             status,
		SkipReason:         skipReason,
		LatencyMs:          latencyMs,
	}
	if err := d.st.AppendCandidate(ctx, rec); err != nil {
		d.log.Error("dispatch: candidate ledger write failed", slog.String("error", err.Error()))
	}
}

// recordFailure emits a terminal Usage row for requests that never reach
// a successful attempt (no candidates, all candidates exhausted, client
// cancel) so telemetry accounts for every request_id exactly once.
func (d *Dispatcher) recordFailure(ctx context.Context, req ClientRequest, cand *planner.Candidate, category, message string) {
	u := store.Usage{
		RequestID:       req.RequestID,
		RequestedModel:  req.Model,
		ClientAPIFormat: req.APIFamily,
		IsStream:        req.Stream,
		Status:          "failed",
		ErrorCategory:   category,
		ErrorMessage:    message,
		BillingStatus:   "settled",
	}
	if cand != nil {
		u.ProviderID = &cand.ProviderID
		u.ProviderEndpointID = &cand.EndpointID
		u.ProviderAPIKeyID = &cand.CredentialID
		u.ResolvedModel = cand.UpstreamModel
	}
	if category == "cancelled" {
		u.Status = "cancelled"
	}
	var err error
	if u.Status == "cancelled" {
		err = d.writer.RecordCancelled(ctx, u)
	} else {
		err = d.writer.RecordFailure(ctx, u)
	}
	if err != nil {
		d.log.Error("dispatch: telemetry write failed", slog.String("error", err.Error()))
	}
}

// settle collects dimensions, evaluates the billing rule, and emits the
// terminal successful Usage row.
func (d *Dispatcher) settle(ctx context.Context, req ClientRequest, cand planner.Candidate, resp UpstreamResponse, key *store.ApiKey, user *store.User, status, errMsg string) store.Usage {
	dims := dimensions.Collect(d.collectors, cand.APIFamily+":"+cand.EndpointKind, req.TaskType, dimensions.Inputs{
		RequestBody:  req.Body,
		ResponseBody: resp.Body,
		BaseDims: map[string]any{
			"input_tokens":  float64(resp.Usage.InputTokens),
			"output_tokens": float64(resp.Usage.OutputTokens),
		},
	})

	u := store.Usage{
		RequestID:                req.RequestID,
		RequestedModel:           req.Model,
		ResolvedModel:            cand.UpstreamModel,
		ClientAPIFormat:          req.APIFamily,
		EndpointAPIFormat:        cand.APIFamily,
		HasFormatConversion:      req.APIFamily != cand.APIFamily,
		InputTokens:              resp.Usage.InputTokens,
		OutputTokens:             resp.Usage.OutputTokens,
		CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		IsStream:                 req.Stream,
		StatusCode:               resp.StatusCode,
		Status:                   status,
		BillingStatus:            "pending",
		ProviderID:               &cand.ProviderID,
		ProviderEndpointID:       &cand.EndpointID,
		ProviderAPIKeyID:         &cand.CredentialID,
	}
	if key != nil {
		u.APIKeyID = &key.ID
	}
	if user != nil {
		u.UserID = &user.ID
	}

	rule, err := d.st.FindBillingRule(ctx, cand.ModelID, cand.GlobalModelID, req.TaskType)
	if err == nil && rule != nil {
		mappings := decodeMappings(rule.DimensionMappings)
		res, evalErr := d.billing.Evaluate(rule.Expression, nil, dims, mappings, rule.StrictMode)
		if evalErr == nil {
			u.ActualCostUSD = res.Cost
			u.RequestedCostUSD = res.Cost
			u.BillingStatus = "settled"
		} else {
			var incomplete *billing.IncompleteError
			if errors.As(evalErr, &incomplete) {
				u.ErrorCategory = "billing_incomplete"
			}
		}
	} else {
		u.BillingStatus = "settled"
	}

	if err := d.writer.RecordSuccess(ctx, u); err != nil {
		d.log.Error("dispatch: telemetry write failed", slog.String("error", err.Error()))
	}
	return u
}

func decodeMappings(raw store.JSONMap) map[string]billing.Mapping {
	if len(raw) == 0 {
		return nil
	}
	out := map[string]billing.Mapping{}
	for k, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		mapping := billing.Mapping{}
		if s, ok := m["source"].(string); ok {
			mapping.Source = billing.MappingSource(s)
		}
		if s, ok := m["key"].(string); ok {
			mapping.Key = s
		}
		if b, ok := m["required"].(bool); ok {
			mapping.Required = b
		}
		if dv, ok := m["default"]; ok {
			mapping.Default = dv
		}
		out[k] = mapping
	}
	return out
}

func classifyStatus(status int) health.FailureKind {
	switch {
	case status == 429:
		return health.FailureRateLimit
	case status == 401 || status == 403:
		return health.FailureFatal
	case status >= 500:
		return health.FailureServer
	case status >= 400:
		return health.FailurePermanent
	default:
		return health.FailureNone
	}
}

func classifyTransportError(ctx context.Context, err error) health.FailureKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return health.FailureTimeout
	}
	return health.FailureServer
}
