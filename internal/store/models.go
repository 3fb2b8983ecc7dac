// Package store holds the gorm data model and repositories for the §3 data
// model: Users, ApiKeys, Providers and their endpoints/credentials, the
// Model/GlobalModel pricing hierarchy, Usage rows, BillingRules,
// DimensionCollectors, ProxyNodes, and VideoTasks. Dispatch owns none of
// these tables outright except for targeted counter updates; the telemetry
// subsystem owns Usage rows once created. internal/health keeps its
// adaptive state in memory and does not write the ProviderAPIKey columns.
package store

import (
	"time"

	"gorm.io/gorm"
)

// User is a tenant identity with an optional USD quota.
type User struct {
	ID              uint64 `gorm:"primarykey"`
	Name            string `gorm:"size:128;not null"`
	CredentialHash  string `gorm:"size:128;index"`
	Role            string `gorm:"size:16;not null;default:user"` // admin|user
	QuotaUSD        *float64
	UsedUSD         float64 `gorm:"not null;default:0"`
	AllowedProviders StringSlice `gorm:"type:text"`
	AllowedEndpoints StringSlice `gorm:"type:text"`
	AllowedModels    StringSlice `gorm:"type:text"`
	DeletedAt       gorm.DeletedAt `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApiKey belongs to a User (or stands alone) and carries its own allow-lists
// and rate/concurrency caps.
type ApiKey struct {
	ID                 uint64 `gorm:"primarykey"`
	UserID             *uint64 `gorm:"index"`
	KeyHash            string  `gorm:"size:128;uniqueIndex;not null"`
	Status             string  `gorm:"size:16;not null;default:active"` // active|expired|revoked
	AllowedProviders   StringSlice `gorm:"type:text"`
	AllowedEndpoints   StringSlice `gorm:"type:text"`
	AllowedAPIFormats  StringSlice `gorm:"type:text"`
	AllowedModels      StringSlice `gorm:"type:text"`
	RPMLimit           int
	MaxConcurrent      int
	UsedUSD            float64 `gorm:"not null;default:0"`
	ExpiresAt          *time.Time
	AutoDeleteOnExpiry bool
	DeletedAt          gorm.DeletedAt `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Provider is a logical upstream.
type Provider struct {
	ID               uint64 `gorm:"primarykey"`
	Name             string `gorm:"size:64;uniqueIndex;not null"`
	ProviderType     string `gorm:"size:32"` // e.g. "codex", used for provider-specific quirks
	BillingModel     string `gorm:"size:32"`
	MonthlyQuotaUSD  *float64
	MonthlyUsedUSD   float64 `gorm:"not null;default:0"`
	RPMCap           *int
	RPMUsed          int
	Priority         int `gorm:"not null;default:100"` // lower = earlier
	ProxyNodeID      *uint64
	DeletedAt        gorm.DeletedAt `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Endpoints []ProviderEndpoint `gorm:"constraint:OnDelete:CASCADE"`
}

// ProviderEndpoint is identified by (api_family, endpoint_kind) within a
// Provider.
type ProviderEndpoint struct {
	ID             uint64 `gorm:"primarykey"`
	ProviderID     uint64 `gorm:"uniqueIndex:idx_provider_sig;not null"`
	APIFamily      string `gorm:"size:16;uniqueIndex:idx_provider_sig;not null"`
	EndpointKind   string `gorm:"size:16;uniqueIndex:idx_provider_sig;not null"`
	BaseURL        string `gorm:"size:512;not null"`
	CustomHeaders  JSONMap `gorm:"type:text"`
	CustomPath     string  `gorm:"size:256"`
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ProxyNodeID    *uint64 `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Credentials []ProviderAPIKey `gorm:"constraint:OnDelete:CASCADE"`
}

// ProviderAPIKey is credential material plus scheduling hints and the
// adaptive health-state the health manager owns.
type ProviderAPIKey struct {
	ID                 uint64 `gorm:"primarykey"`
	ProviderEndpointID uint64 `gorm:"index;not null"`
	EncryptedSecret    []byte `gorm:"not null"`
	AuthType           string `gorm:"size:16;not null;default:api_key"` // api_key|bearer|vertex_ai
	InternalPriority   int
	RateMultiplier     float64 `gorm:"not null;default:1"`
	MaxConcurrent      int     `gorm:"not null;default:10"`
	DailyCapUSD        *float64
	MonthlyCapUSD      *float64
	ModelAllowPatterns StringSlice `gorm:"type:text"`
	ModelDenyPatterns  StringSlice `gorm:"type:text"`

	// Adaptive health state columns; internal/health keeps its live state
	// in memory and does not write them.
	HealthScore          float64 `gorm:"not null;default:1"`
	ConsecutiveFailures  int
	LearnedMaxConcurrent int
	CircuitState         string `gorm:"size:16;not null;default:closed"` // closed|open|half_open
	OpenAt               *time.Time
	NextProbeAt          *time.Time
	HalfOpenUntil        *time.Time
	HalfOpenSuccesses    int
	HalfOpenFailures     int
	LastProbeIncreaseAt  *time.Time
	LastConcurrentPeak   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GlobalModel is a canonical model name with default tiered pricing.
type GlobalModel struct {
	ID              uint64       `gorm:"primarykey"`
	Name            string       `gorm:"size:128;uniqueIndex;not null"`
	PriceTiers      PricingTiers `gorm:"type:text"`
	PricePerRequest *float64
	// Capabilities this model supports by default, e.g. "vision",
	// "function_calling", "extended_thinking". A Model row may override
	// this set per spec §4.F ("honour both the GlobalModel defaults and
	// the Model overrides").
	Capabilities StringSlice `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PricingTier is one entry of a GlobalModel/Model tiered price list.
type PricingTier struct {
	UpToTokens                *int64   `json:"up_to,omitempty"`
	InputPricePer1M           float64  `json:"input_price_per_1m"`
	OutputPricePer1M          float64  `json:"output_price_per_1m"`
	CacheCreationPricePer1M   *float64 `json:"cache_creation_price_per_1m,omitempty"`
	CacheReadPricePer1M       *float64 `json:"cache_read_price_per_1m,omitempty"`
}

// Model is a provider-specific realization of a GlobalModel.
type Model struct {
	ID            uint64         `gorm:"primarykey"`
	GlobalModelID uint64         `gorm:"index;not null"`
	ProviderID    uint64         `gorm:"index;not null"`
	UpstreamNames AlternateNames `gorm:"type:text"` // ordered by priority, optionally scoped
	PriceOverride *PricingTiers  `gorm:"type:text"`
	// CapabilityOverride, when non-empty, replaces GlobalModel.Capabilities
	// for this provider-specific realization (e.g. a provider that can't do
	// vision on an otherwise vision-capable GlobalModel).
	CapabilityOverride StringSlice `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AlternateName is one entry in Model.UpstreamNames.
type AlternateName struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	Scopes   []string `json:"scopes,omitempty"` // endpoint signatures this name is valid for
}

// ModelMapping rewrites an incoming model name to a target GlobalModel.
type ModelMapping struct {
	ID            uint64 `gorm:"primarykey"`
	FromName      string `gorm:"size:128;index;not null"`
	ToGlobalModel uint64 `gorm:"index;not null"`
	ProviderID    *uint64
	Kind          string `gorm:"size:16;not null;default:alias"` // alias|override
	CreatedAt     time.Time
}

// BillingRule is a formula scoped to a GlobalModel+task_type or a
// Model+task_type; at most one enabled rule per scope (enforced by a
// partial unique index in the migration, see store.go).
type BillingRule struct {
	ID                 uint64 `gorm:"primarykey"`
	GlobalModelID      *uint64 `gorm:"index"`
	ModelID            *uint64 `gorm:"index"`
	TaskType           string  `gorm:"size:16;not null"`
	Expression         string  `gorm:"not null"`
	Constants          JSONMap `gorm:"type:text"`
	DimensionMappings  JSONMap `gorm:"type:text"` // serialized map[string]billing.Mapping
	Enabled            bool    `gorm:"not null;default:true"`
	StrictMode         bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DimensionCollector is one extraction rule for a named dimension.
type DimensionCollector struct {
	ID            uint64 `gorm:"primarykey"`
	DimensionName string `gorm:"size:64;index;not null"`
	APIFamily     string `gorm:"size:16;not null"`
	EndpointKind  string `gorm:"size:16;not null"`
	TaskType      string `gorm:"size:16;not null"`
	Source        string `gorm:"size:16;not null"`
	JSONPath      string `gorm:"size:256"`
	Transform     string
	ValueType     string `gorm:"size:8;not null;default:float"`
	DefaultValue  *string
	Priority      int `gorm:"not null;default:0"`
	Enabled       bool `gorm:"not null;default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Usage is one row per logical client request.
type Usage struct {
	ID                         uint64 `gorm:"primarykey"`
	RequestID                  string `gorm:"size:64;uniqueIndex;not null"`
	UserID                     *uint64 `gorm:"index"`
	APIKeyID                   *uint64 `gorm:"index"`
	ProviderID                 *uint64
	ProviderEndpointID         *uint64
	ProviderAPIKeyID           *uint64
	RequestedModel             string `gorm:"size:128"`
	ResolvedModel              string `gorm:"size:128"`
	ClientAPIFormat            string `gorm:"size:32"`
	EndpointAPIFormat          string `gorm:"size:32"`
	HasFormatConversion        bool
	InputTokens                int64
	OutputTokens               int64
	CacheCreationInputTokens   int64
	CacheReadInputTokens       int64
	CacheCreationInputTokens5m int64
	CacheCreationInputTokens1h int64
	RequestedCostUSD           float64
	ActualCostUSD              float64
	PricePerRequestUSD         float64
	IsStream                   bool
	StatusCode                 int
	ErrorCategory              string `gorm:"size:32"`
	ErrorMessage               string
	ResponseTimeMs             *int64
	FirstByteTimeMs            *int64
	Status                     string `gorm:"size:16;not null;default:pending"` // pending|streaming|completed|failed|cancelled
	BillingStatus              string `gorm:"size:16;not null;default:pending"` // pending|settled
	Metadata                   JSONMap `gorm:"type:text"`
	RequestBody                *string
	ResponseBody               *string
	RequestBodyCompressed      []byte
	ResponseBodyCompressed     []byte
	RequestHeaders             JSONMap `gorm:"type:text"`
	ResponseHeaders            JSONMap `gorm:"type:text"`
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// TableName pins the table name so renaming the Go type doesn't move data.
func (Usage) TableName() string { return "usage" }

// RequestCandidate is one entry of the per-request candidate ledger: the
// authoritative trace of what the planner tried and what failed.
type RequestCandidate struct {
	ID               uint64 `gorm:"primarykey"`
	RequestID        string `gorm:"size:64;index;not null"`
	RetryIndex       int
	ProviderID       uint64
	ProviderEndpointID uint64
	ProviderAPIKeyID uint64
	Status           string `gorm:"size:16;not null"` // selected|skipped|failed
	SkipReason       string `gorm:"size:32"`
	ErrorCategory    string `gorm:"size:32"`
	LatencyMs        *int64
	ObservedConcurrency int
	CreatedAt        time.Time
}

// ProxyNode is a remote worker dispatching upstream requests via a tunnel.
type ProxyNode struct {
	ID                  uint64 `gorm:"primarykey"`
	Name                string `gorm:"size:128;uniqueIndex;not null"`
	IP                  string `gorm:"size:64"`
	Port                int
	Region              string `gorm:"size:32"`
	TunnelMode          bool
	Manual              bool
	ManualURL           string `gorm:"size:512"`
	ManualUsername      string
	ManualPasswordEnc   []byte
	DeclaredMaxConcurrency int
	LearnedMaxConcurrency  int
	HeartbeatIntervalSec   int `gorm:"not null;default:30"`
	Status              string `gorm:"size:16;not null;default:unhealthy"` // online|unhealthy|offline
	LastHeartbeatAt     *time.Time
	ActiveConnections   int
	TotalRequests       int64
	AvgLatencyMs        float64
	RemoteConfig        JSONMap `gorm:"type:text"`
	ConfigVersion       int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SystemConfig is a small process-wide key/value store for settings that
// don't belong to any one entity, e.g. the system-default-proxy binding
// cleared by ProxyNode deletion (§4.K).
type SystemConfig struct {
	Key       string `gorm:"primarykey;size:64"`
	Value     string
	UpdatedAt time.Time
}

// ProxyNodeEvent is an append-only per-node connect/disconnect/error log.
type ProxyNodeEvent struct {
	ID          uint64 `gorm:"primarykey"`
	ProxyNodeID uint64 `gorm:"index;not null"`
	EventType   string `gorm:"size:32;not null"` // connect|disconnect|error
	Detail      string
	CreatedAt   time.Time
}

// VideoTask links a Usage row to an upstream async job handle.
type VideoTask struct {
	ID                   uint64 `gorm:"primarykey"`
	UsageRequestID        string `gorm:"size:64;uniqueIndex;not null"`
	ExternalTaskID        string `gorm:"size:256;index"`
	ProviderID            uint64
	ProviderEndpointID    uint64
	ProviderAPIKeyID      uint64
	Status                string `gorm:"size:16;not null;default:submitted"` // submitted|queued|processing|completed|failed|cancelled
	PollCount             int
	MaxPollCount          int `gorm:"not null;default:60"`
	RetryCount            int
	PollIntervalSeconds   int `gorm:"not null;default:5"`
	NextPollAt            time.Time `gorm:"index"`
	ProgressPercent       int
	ProgressMessage       string
	VideoURL              string
	VideoURLs             StringSlice `gorm:"type:text"`
	VideoExpiresAt        *time.Time
	ErrorCode             string `gorm:"size:64"`
	ErrorMessage          string
	RawResponse           JSONMap `gorm:"type:text"`
	BillingRuleSnapshot   JSONMap `gorm:"type:text"`
	CompletedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AllModels lists every gorm model for AutoMigrate.
func AllModels() []any {
	return []any{
		&User{}, &ApiKey{},
		&Provider{}, &ProviderEndpoint{}, &ProviderAPIKey{},
		&GlobalModel{}, &Model{}, &ModelMapping{},
		&BillingRule{}, &DimensionCollector{},
		&RequestCandidate{},
		&ProxyNode{}, &ProxyNodeEvent{},
		&VideoTask{},
		&SystemConfig{},
	}
}
