package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps a *gorm.DB with the repository methods the dispatch, planner,
// billing, and proxy-node packages need. Every table but Usage and the
// health-state columns on ProviderAPIKey is read-only from the dispatch
// path's perspective; dispatch only performs the targeted counter updates
// spec §3 grants it.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, inferring the driver from its scheme
// ("postgres://...", "file:...", or a bare path treated as sqlite).
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case len(dsn) >= 11 && dsn[:11] == "postgres://":
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates/updates the schema for every model and the
// scope-uniqueness constraints §3/§4.J/§8 require. This is the only "schema
// tool" this build carries — the standalone migration CLI is out of scope
// per spec §1.
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}
	// At most one enabled BillingRule per (model_id, task_type) and per
	// (global_model_id, task_type): partial unique indexes, matching §4.J
	// and the §8 testable property.
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_rule_model_scope
			ON billing_rules (model_id, task_type) WHERE enabled = true AND model_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_rule_global_scope
			ON billing_rules (global_model_id, task_type) WHERE enabled = true AND model_id IS NULL AND global_model_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dimension_collector_default
			ON dimension_collectors (dimension_name, api_family, endpoint_kind, task_type)
			WHERE enabled = true`,
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			// sqlite accepts partial indexes; postgres does too. Any other
			// dialect that rejects the WHERE clause degrades to an
			// application-level check rather than failing startup.
			continue
		}
	}
	return nil
}

func (s *Store) DB() *gorm.DB { return s.db }

// FindBillingRule resolves the one enabled rule for a (model, task_type)
// or (global_model, task_type) scope, Model-level winning over
// GlobalModel-level, per §4.J.
func (s *Store) FindBillingRule(ctx context.Context, modelID, globalModelID uint64, taskType string) (*BillingRule, error) {
	var rule BillingRule
	err := s.db.WithContext(ctx).
		Where("model_id = ? AND task_type = ? AND enabled = true", modelID, taskType).
		First(&rule).Error
	if err == nil {
		return &rule, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	err = s.db.WithContext(ctx).
		Where("global_model_id = ? AND model_id IS NULL AND task_type = ? AND enabled = true", globalModelID, taskType).
		First(&rule).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// UpsertUsage inserts a new Usage row or updates it in place by request_id,
// matching the telemetry consumer's "duplicate request_id is success"
// contract (§4.D).
func (s *Store) UpsertUsage(ctx context.Context, u *Usage) error {
	return s.db.WithContext(ctx).
		Where("request_id = ?", u.RequestID).
		Assign(u).
		FirstOrCreate(&Usage{RequestID: u.RequestID}).Error
}

func (s *Store) GetUsageByRequestID(ctx context.Context, requestID string) (*Usage, error) {
	var u Usage
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) AppendCandidate(ctx context.Context, c *RequestCandidate) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// ListEnabledDimensionCollectors returns every enabled DimensionCollector
// row, for internal/dimensions.Collect to filter/group/rank per request —
// loading the small, slow-changing collector table once per request is
// cheap enough that dispatch doesn't need its own cache here.
func (s *Store) ListEnabledDimensionCollectors(ctx context.Context) ([]DimensionCollector, error) {
	var rows []DimensionCollector
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}
