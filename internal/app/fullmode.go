package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/convert"
	npcrypto "github.com/nulpointcorp/llm-gateway/internal/crypto"
	"github.com/nulpointcorp/llm-gateway/internal/dimensions"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/planner"
	"github.com/nulpointcorp/llm-gateway/internal/proxynode"
	"github.com/nulpointcorp/llm-gateway/internal/scheduler"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/internal/telemetry"
	"github.com/nulpointcorp/llm-gateway/internal/videopoll"
)

// fullMode bundles the subsystems that only exist when DATABASE_URL is
// configured: the store-backed dispatch pipeline of spec §4.H and
// everything it depends on, plus the background scheduler driving
// retention, video polling, and proxy-node health sweeps. internal/proxy's
// Gateway (simple mode) keeps running unmodified alongside it; full mode
// only takes over the client-facing routes (see router.go).
type fullMode struct {
	st         *store.Store
	dispatcher *dispatch.Dispatcher
	upstream   dispatch.Upstream
	sched      *scheduler.Scheduler
	poller     *videopoll.Poller
	proxynodes *proxynode.Registry
	tunnels    *proxynode.TunnelManager
	consumer   *telemetry.Consumer
	queueMode  bool
}

// initFullMode builds the full multi-tenant stack. a.full stays nil when
// Database.DSN is empty, and the simple-mode Gateway built by initGateway
// is all that runs.
func (a *App) initFullMode(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		return nil
	}

	st, err := store.Open(a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("store: open: %w", err)
	}
	if err := st.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}

	key, err := config.DecodeEncryptionKey(a.cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("security: encryption key: %w", err)
	}
	sealer, err := npcrypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("security: sealer: %w", err)
	}
	creds := npcrypto.NewStoreCredentialResolver(st, sealer)

	healthMgr := health.NewManager(health.DefaultConfig())
	pl := planner.New(dispatch.NewSource(st), healthMgr)
	billingEngine := billing.NewEngine()
	convertRegistry := convert.NewDefaultRegistry()
	registerVariantHooks(convertRegistry, a.cfg)

	httpClient := &http.Client{Timeout: a.cfg.Failover.ProviderTimeout}
	upstream := dispatch.NewHTTPUpstream(st, creds, httpClient)

	queueMode := a.cfg.Queue.Mode == "queue"
	var writer telemetry.Writer
	var consumer *telemetry.Consumer
	if queueMode {
		if a.rdb == nil {
			return fmt.Errorf("telemetry: QUEUE_MODE=queue requires redis")
		}
		writer = telemetry.NewQueueWriter(a.rdb, a.cfg.Queue.Stream)
		host, _ := os.Hostname()
		consumer = telemetry.NewConsumer(a.rdb, st, telemetry.ConsumerConfig{
			Stream:       a.cfg.Queue.Stream,
			DLQStream:    a.cfg.Queue.DLQStream,
			Group:        a.cfg.Queue.Group,
			Consumer:     fmt.Sprintf("%s:%d", host, os.Getpid()),
			BatchSize:    a.cfg.Queue.BatchSize,
			BlockFor:     5 * time.Second,
			MaxRetry:     a.cfg.Queue.MaxRetry,
			ClaimMinIdle: a.cfg.Queue.ClaimMinIdle,
		}, a.log)
		if err := consumer.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("telemetry: ensure group: %w", err)
		}
	} else {
		writer = telemetry.NewDirectWriter(st)
	}

	collectors, err := loadCollectors(ctx, st)
	if err != nil {
		return fmt.Errorf("store: load dimension collectors: %w", err)
	}

	dispatcher := dispatch.New(st, pl, healthMgr, billingEngine, convertRegistry, upstream, writer, collectors, a.log)

	loc, err := time.LoadLocation(a.cfg.Scheduler.Timezone)
	if err != nil {
		loc = time.UTC
	}
	sched := scheduler.New(a.baseCtx, loc, a.log)

	videoUpstream := videopoll.NewHTTPPoller(st, creds, httpClient)
	poller := videopoll.New(st, a.rdb, videoUpstream, billingEngine, writer, collectors, videopoll.DefaultConfig(), a.log)

	tunnels := proxynode.NewTunnelManager()
	nodes := proxynode.NewRegistry(st, tunnels, a.log)

	retention := telemetry.NewRetention(st, telemetry.RetentionConfig{
		CompressAfterDays:     time.Duration(a.cfg.Retention.CompressAfterDays) * 24 * time.Hour,
		PurgeBodyAfterDays:    time.Duration(a.cfg.Retention.PurgeBodyAfterDays) * 24 * time.Hour,
		PurgeHeadersAfterDays: time.Duration(a.cfg.Retention.PurgeHeadersAfterDays) * 24 * time.Hour,
		DeleteRowAfterDays:    time.Duration(a.cfg.Retention.DeleteRowAfterDays) * 24 * time.Hour,
		BatchSize:             a.cfg.Retention.BatchSize,
	}, a.log)

	if err := sched.Register(scheduler.Job{Name: "retention", Spec: "0 3 * * *", Run: func(jctx context.Context) {
		retention.Run(jctx, time.Now())
	}}); err != nil {
		return fmt.Errorf("scheduler: register retention: %w", err)
	}
	if err := sched.RegisterInterval("videopoll", 5*time.Second, poller.Tick); err != nil {
		return fmt.Errorf("scheduler: register videopoll: %w", err)
	}
	if err := sched.Register(scheduler.Job{Name: "proxynode_health_sweep", Spec: "@every 30s", Run: func(jctx context.Context) {
		if _, err := nodes.HealthSweep(jctx, time.Now()); err != nil {
			a.log.Error("proxynode: health sweep failed", slog.String("error", err.Error()))
		}
	}}); err != nil {
		return fmt.Errorf("scheduler: register proxynode_health_sweep: %w", err)
	}
	if err := sched.Register(scheduler.Job{Name: "proxynode_event_trim", Spec: "0 4 * * *", Run: func(jctx context.Context) {
		retain := time.Duration(a.cfg.ProxyNode.EventRetentionDays) * 24 * time.Hour
		if _, err := nodes.TrimEvents(jctx, retain); err != nil {
			a.log.Error("proxynode: event trim failed", slog.String("error", err.Error()))
		}
	}}); err != nil {
		return fmt.Errorf("scheduler: register proxynode_event_trim: %w", err)
	}
	if queueMode {
		if err := sched.RegisterInterval("telemetry_consumer", 2*time.Second, func(jctx context.Context) {
			if _, err := consumer.RunOnce(jctx); err != nil {
				a.log.Error("telemetry: consumer run failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("scheduler: register telemetry_consumer: %w", err)
		}
	}

	a.full = &fullMode{
		st:         st,
		dispatcher: dispatcher,
		upstream:   upstream,
		sched:      sched,
		poller:     poller,
		proxynodes: nodes,
		tunnels:    tunnels,
		consumer:   consumer,
		queueMode:  queueMode,
	}

	a.mgmt.Dispatch = a.handleDispatch
	a.mgmt.ProxyNodeRegister = a.handleProxyNodeRegister
	a.mgmt.ProxyNodeHeartbeat = a.handleProxyNodeHeartbeat
	a.mgmt.ProxyNodeUnregister = a.handleProxyNodeUnregister

	a.log.Info("full mode enabled", slog.Bool("queue_mode", queueMode))
	return nil
}

// registerVariantHooks wires the provider-specific VariantHook quirks of
// spec §4.C/§9 into the registry, keyed by Provider.ProviderType
// (dispatch.hookKey). Codex always registers since it needs no external
// config; Antigravity only registers when a project ID is configured,
// since the envelope hard-fails every request otherwise (ErrMissingProjectID).
func registerVariantHooks(reg *convert.Registry, cfg *config.Config) {
	reg.RegisterHook("codex", convert.CodexHook{ProviderType: "codex", ProviderAPIFormat: "openai:cli"})

	if cfg.Antigravity.ProjectID == "" {
		return
	}
	urlPool := convert.NewOtterURLAvailability(cfg.Antigravity.URLPoolTTL)
	sigCache := convert.NewOtterSignatureCache(0)
	reg.RegisterHook("antigravity", &convert.AntigravityEnvelope{
		ProjectID:       func() (string, error) { return cfg.Antigravity.ProjectID, nil },
		URLAvailability: urlPool,
		SignatureCache:  sigCache,
	})
}

// loadCollectors converts DimensionCollector rows into the plain struct
// internal/dimensions operates on. Kept here rather than on either package
// so neither takes a dependency it has no other reason for.
func loadCollectors(ctx context.Context, st *store.Store) ([]dimensions.Collector, error) {
	rows, err := st.ListEnabledDimensionCollectors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dimensions.Collector, 0, len(rows))
	for _, r := range rows {
		var def any
		if r.DefaultValue != nil {
			def = *r.DefaultValue
		}
		out = append(out, dimensions.Collector{
			DimensionName: r.DimensionName,
			APIFamily:     r.APIFamily,
			EndpointKind:  r.EndpointKind,
			TaskType:      r.TaskType,
			Source:        dimensions.SourceKind(r.Source),
			JSONPath:      r.JSONPath,
			Transform:     r.Transform,
			ValueType:     dimensions.ValueType(r.ValueType),
			Default:       def,
			Priority:      r.Priority,
			Enabled:       r.Enabled,
		})
	}
	return out, nil
}
