// Package videopoll implements the async task poller of spec §4.I: drives
// VideoTask rows from a non-terminal status to a terminal one, polling
// upstream on an interval with bounded concurrency and exponential
// backoff, then settles each terminal job through internal/dimensions,
// internal/billing, and internal/telemetry.
//
// Grounded end-to-end on the original system's video task poller: the
// advisory-lock-gated tick, batch select ordered by next_poll_at, bounded
// concurrency over per-job fresh-session phases, and the backoff/alert
// constants. Concurrency is bounded by golang.org/x/sync/errgroup's
// SetLimit — the teacher's own concurrency idiom
// elsewhere in this module (internal/app.Run already composes goroutines
// this way) — standing in for that poller's task-group construct.
package videopoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/dimensions"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
)

const lockKey = "videopoll:lock"

// PollResult is what one upstream poll attempt yields.
type PollResult struct {
	Status          string // "processing" | "completed" | "failed"
	ProgressPercent int
	ProgressMessage string
	VideoURL        string
	VideoURLs       []string
	ExpiresAt       *time.Time
	ErrorCode       string
	ErrorMessage    string
	RawResponse     map[string]any

	// HTTPStatus is the upstream HTTP status code, 0 when the failure was
	// connection-level (no response at all).
	HTTPStatus int
}

// Upstream is the per-job poll call; callers implement it against whichever
// provider+endpoint a VideoTask names (§4.G builds the actual URL/headers).
type Upstream interface {
	Poll(ctx context.Context, task store.VideoTask) (PollResult, error)
}

// Config tunes batch size, concurrency, and alert thresholds.
type Config struct {
	BatchSize                int
	Concurrency              int
	LockTTL                  time.Duration
	DefaultPollInterval      time.Duration
	MaxBackoff               time.Duration
	ConsecutiveFailureAlert  int
	MissingDimensionAlertN   int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:               20,
		Concurrency:             8,
		LockTTL:                 45 * time.Second,
		DefaultPollInterval:     5 * time.Second,
		MaxBackoff:              300 * time.Second,
		ConsecutiveFailureAlert: 5,
		MissingDimensionAlertN:  10,
	}
}

// Poller drives every non-terminal VideoTask to a terminal status.
type Poller struct {
	st       *store.Store
	rdb      *redis.Client
	upstream Upstream
	billing  *billing.Engine
	writer   telemetry.Writer
	cfg      Config
	log      *slog.Logger

	collectors []dimensions.Collector

	mu                    sync.Mutex
	consecutiveFailTicks  int
	missingDimCounts      map[string]int
}

func New(st *store.Store, rdb *redis.Client, upstream Upstream, eng *billing.Engine, writer telemetry.Writer, collectors []dimensions.Collector, cfg Config, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		st: st, rdb: rdb, upstream: upstream, billing: eng, writer: writer,
		collectors: collectors, cfg: cfg, log: log,
		missingDimCounts: make(map[string]int),
	}
}

// Tick runs one polling cycle: acquire the advisory lock (best-effort, skip
// if already held), select a batch, process it with bounded concurrency.
func (p *Poller) Tick(ctx context.Context) {
	lockVal, ok := p.acquireLock(ctx)
	if !ok {
		return
	}
	defer p.releaseLock(ctx, lockVal)

	now := time.Now()
	var tasks []store.VideoTask
	err := p.st.DB().WithContext(ctx).
		Where("status NOT IN (?) AND next_poll_at <= ? AND poll_count < max_poll_count", []string{"completed", "failed", "cancelled"}, now).
		Order("next_poll_at").
		Limit(p.cfg.BatchSize).
		Find(&tasks).Error
	if err != nil {
		p.log.Error("videopoll: batch select failed", slog.String("error", err.Error()))
		return
	}
	if len(tasks) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	results := make([]bool, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = p.process(gctx, task)
			return nil
		})
	}
	_ = g.Wait()

	p.trackConsecutiveFailures(results)
}

func (p *Poller) trackConsecutiveFailures(results []bool) {
	allFailed := true
	for _, ok := range results {
		if ok {
			allFailed = false
			break
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if allFailed {
		p.consecutiveFailTicks++
		if p.consecutiveFailTicks >= p.cfg.ConsecutiveFailureAlert {
			p.log.Error("videopoll: consecutive fully-failing batches", slog.Int("ticks", p.consecutiveFailTicks))
		}
	} else {
		p.consecutiveFailTicks = 0
	}
}

// process drives one job through one poll attempt. Returns true if the
// poll succeeded (regardless of whether the job reached a terminal
// status), false on a transport-level failure.
func (p *Poller) process(ctx context.Context, task store.VideoTask) bool {
	result, err := p.upstream.Poll(ctx, task)
	if err != nil {
		p.applyBackoff(ctx, task, err, 0)
		return false
	}

	switch result.Status {
	case "processing":
		p.applyProgress(ctx, task, result)
		return true
	case "completed":
		p.applyTerminal(ctx, task, result, "completed")
		return true
	case "failed":
		p.applyTerminal(ctx, task, result, "failed")
		return true
	default:
		if isPermanent(result.HTTPStatus, result.ErrorMessage) {
			result.ErrorCode = firstNonEmpty(result.ErrorCode, "upstream_error")
			p.applyTerminal(ctx, task, result, "failed")
			return true
		}
		p.applyBackoff(ctx, task, fmt.Errorf("transient upstream status %d", result.HTTPStatus), result.HTTPStatus)
		return true
	}
}

// isPermanent implements the §9 fix: status-code-first (4xx except 429 is
// permanent), falling back to a substring match only when no status code
// is available (e.g. a connection-level failure surfaced without one).
func isPermanent(httpStatus int, errMsg string) bool {
	if httpStatus != 0 {
		return httpStatus >= 400 && httpStatus < 500 && httpStatus != 429
	}
	lower := strings.ToLower(errMsg)
	for _, indicator := range []string{"invalid request", "invalid_request", "not found", "forbidden", "unauthorized"} {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

func (p *Poller) applyProgress(ctx context.Context, task store.VideoTask, r PollResult) {
	interval := task.PollIntervalSeconds
	if interval <= 0 {
		interval = int(p.cfg.DefaultPollInterval.Seconds())
	}
	updates := map[string]any{
		"poll_count":       task.PollCount + 1,
		"progress_percent": r.ProgressPercent,
		"progress_message": r.ProgressMessage,
		"next_poll_at":     time.Now().Add(time.Duration(interval) * time.Second),
	}
	if task.PollCount+1 >= task.MaxPollCount {
		p.applyTerminal(ctx, task, PollResult{ErrorCode: "poll_timeout", ErrorMessage: "max poll count reached"}, "failed")
		return
	}
	if err := p.st.DB().WithContext(ctx).Model(&store.VideoTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		p.log.Error("videopoll: progress update failed", slog.String("request_id", task.UsageRequestID), slog.String("error", err.Error()))
	}
}

// applyBackoff implements the exponential backoff of §4.I:
// min(poll_interval * 2^min(retry,5), 300s).
func (p *Poller) applyBackoff(ctx context.Context, task store.VideoTask, cause error, httpStatus int) {
	if isPermanent(httpStatus, cause.Error()) {
		p.applyTerminal(ctx, task, PollResult{ErrorCode: "upstream_error", ErrorMessage: cause.Error()}, "failed")
		return
	}
	base := task.PollIntervalSeconds
	if base <= 0 {
		base = int(p.cfg.DefaultPollInterval.Seconds())
	}
	retry := task.RetryCount
	if retry > 5 {
		retry = 5
	}
	backoff := time.Duration(base) * time.Second * time.Duration(1<<retry)
	if backoff > p.cfg.MaxBackoff {
		backoff = p.cfg.MaxBackoff
	}
	updates := map[string]any{
		"retry_count":  task.RetryCount + 1,
		"next_poll_at": time.Now().Add(backoff),
	}
	if err := p.st.DB().WithContext(ctx).Model(&store.VideoTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		p.log.Error("videopoll: backoff update failed", slog.String("request_id", task.UsageRequestID), slog.String("error", err.Error()))
	}
}

// applyTerminal records the final upstream fields and proceeds to
// settlement through §4.B and §4.J, finishing with §4.D.
func (p *Poller) applyTerminal(ctx context.Context, task store.VideoTask, r PollResult, terminalStatus string) {
	now := time.Now()
	updates := map[string]any{
		"status":        terminalStatus,
		"completed_at":  now,
		"video_url":     r.VideoURL,
		"error_code":    r.ErrorCode,
		"error_message": r.ErrorMessage,
	}
	if len(r.VideoURLs) > 0 {
		updates["video_urls"] = store.StringSlice(r.VideoURLs)
	}
	if r.ExpiresAt != nil {
		updates["video_expires_at"] = r.ExpiresAt
	}
	if r.RawResponse != nil {
		updates["raw_response"] = store.JSONMap(r.RawResponse)
	}
	if err := p.st.DB().WithContext(ctx).Model(&store.VideoTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		p.log.Error("videopoll: terminal update failed", slog.String("request_id", task.UsageRequestID), slog.String("error", err.Error()))
		return
	}
	p.settle(ctx, task, r, terminalStatus)
}

// settle assembles dimensions, evaluates cost, and finalizes the
// pre-existing "submitted"-state Usage row.
func (p *Poller) settle(ctx context.Context, task store.VideoTask, r PollResult, terminalStatus string) {
	familyKind := "video:video"
	var endpoint store.ProviderEndpoint
	if err := p.st.DB().WithContext(ctx).First(&endpoint, task.ProviderEndpointID).Error; err == nil {
		familyKind = endpoint.APIFamily + ":" + endpoint.EndpointKind
	}
	dims := dimensions.Collect(p.collectors, familyKind, "video", dimensions.Inputs{
		ResponseBody: nil,
		Metadata:     r.RawResponse,
		BaseDims:     map[string]any{},
	})
	p.checkMissingDimensions(task, dims)

	var ruleSnapshot struct {
		Expression string                      `json:"expression"`
		Mappings   map[string]billing.Mapping `json:"dimension_mappings"`
		StrictMode bool                        `json:"strict_mode"`
	}
	hasSnapshot := false
	if len(task.BillingRuleSnapshot) > 0 {
		if raw, err := json.Marshal(map[string]any(task.BillingRuleSnapshot)); err == nil {
			if err := json.Unmarshal(raw, &ruleSnapshot); err == nil && ruleSnapshot.Expression != "" {
				hasSnapshot = true
			}
		}
	}

	providerID, endpointID, credID := task.ProviderID, task.ProviderEndpointID, task.ProviderAPIKeyID
	cost := 0.0
	status := store.Usage{}
	status.RequestID = task.UsageRequestID
	status.ProviderID = &providerID
	status.ProviderEndpointID = &endpointID
	status.ProviderAPIKeyID = &credID
	status.Metadata = store.JSONMap(r.RawResponse)
	status.ErrorMessage = r.ErrorMessage
	if r.ErrorCode != "" {
		status.ErrorCategory = r.ErrorCode
	}

	if hasSnapshot {
		res, err := p.billing.Evaluate(ruleSnapshot.Expression, nil, dims, ruleSnapshot.Mappings, ruleSnapshot.StrictMode)
		if err != nil {
			var incomplete *billing.IncompleteError
			if errors.As(err, &incomplete) {
				status.Status = "failed"
				status.ErrorCategory = "billing_incomplete"
				status.ErrorMessage = "billing_incomplete"
				if err := p.writer.RecordFailure(ctx, status); err != nil {
					p.log.Error("videopoll: settlement record failed", slog.String("error", err.Error()))
				}
				return
			}
			p.log.Error("videopoll: billing evaluation failed", slog.String("error", err.Error()))
		} else {
			cost = res.Cost
		}
	}
	status.ActualCostUSD = cost
	status.RequestedCostUSD = cost
	status.BillingStatus = "settled"
	status.Status = terminalStatus

	if terminalStatus == "completed" {
		if err := p.writer.RecordSuccess(ctx, status); err != nil {
			p.log.Error("videopoll: settlement record failed", slog.String("error", err.Error()))
		}
	} else {
		if status.ErrorCategory == "" {
			status.ErrorCategory = "upstream_error"
		}
		if err := p.writer.RecordFailure(ctx, status); err != nil {
			p.log.Error("videopoll: settlement record failed", slog.String("error", err.Error()))
		}
	}
}

// checkMissingDimensions: when the dimension of any video collector is
// missing, it bumps a per-(provider, dimension) counter and logs a warning
// on every miss while the count is above the configured threshold. The
// counters are not keyed by model, are never reset (no hourly window), and
// collectors carry no required flag.
func (p *Poller) checkMissingDimensions(task store.VideoTask, dims map[string]any) {
	for _, c := range p.collectors {
		if c.TaskType != "video" {
			continue
		}
		if v, ok := dims[c.DimensionName]; !ok || v == nil {
			key := fmt.Sprintf("%d:%s", task.ProviderID, c.DimensionName)
			p.mu.Lock()
			p.missingDimCounts[key]++
			n := p.missingDimCounts[key]
			p.mu.Unlock()
			if n > p.cfg.MissingDimensionAlertN {
				p.log.Warn("videopoll: dimension missing above threshold",
					slog.String("dimension", c.DimensionName), slog.Uint64("provider_id", task.ProviderID), slog.Int("count", n))
			}
		}
	}
}

func (p *Poller) acquireLock(ctx context.Context) (string, bool) {
	if p.rdb == nil {
		return "", true
	}
	val := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := p.rdb.SetNX(ctx, lockKey, val, p.cfg.LockTTL).Result()
	if err != nil {
		p.log.Warn("videopoll: lock acquisition error, proceeding anyway", slog.String("error", err.Error()))
		return "", true
	}
	return val, ok
}

func (p *Poller) releaseLock(ctx context.Context, val string) {
	if p.rdb == nil || val == "" {
		return
	}
	cur, err := p.rdb.Get(ctx, lockKey).Result()
	if err == nil && cur == val {
		p.rdb.Del(ctx, lockKey)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
