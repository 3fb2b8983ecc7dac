package telemetry

import (
	"compress/gzip"
	"context"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// RetentionConfig mirrors spec §4.D's four retention stages, each an age
// after creation held as a time.Duration.
type RetentionConfig struct {
	CompressAfterDays time.Duration // N1: move bodies to compressed columns
	PurgeBodyAfterDays time.Duration // N2: delete the compressed blobs
	PurgeHeadersAfterDays time.Duration // N3: clear header columns
	DeleteRowAfterDays time.Duration // N4: delete the row entirely

	BatchSize int
}

func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		CompressAfterDays:    30 * 24 * time.Hour,
		PurgeBodyAfterDays:   90 * 24 * time.Hour,
		PurgeHeadersAfterDays: 180 * 24 * time.Hour,
		DeleteRowAfterDays:   365 * 24 * time.Hour,
		BatchSize:            500,
	}
}

// Retention runs the four-stage Usage cleanup pipeline. Each stage operates
// in bounded batches and aborts its own loop if three consecutive batches
// make zero progress, matching §4.D's bounded-session-lifetime contract.
type Retention struct {
	st  *store.Store
	cfg RetentionConfig
	log *slog.Logger
}

func NewRetention(st *store.Store, cfg RetentionConfig, log *slog.Logger) *Retention {
	if log == nil {
		log = slog.Default()
	}
	return &Retention{st: st, cfg: cfg, log: log}
}

// Run executes all four stages in order; a failure in one stage does not
// block the others.
func (r *Retention) Run(ctx context.Context, now time.Time) {
	if n, err := r.compressStage(ctx, now); err != nil {
		r.log.Error("retention: compress stage failed", slog.String("error", err.Error()))
	} else if n > 0 {
		r.log.Info("retention: compressed bodies", slog.Int("rows", n))
	}
	if n, err := r.purgeBodyStage(ctx, now); err != nil {
		r.log.Error("retention: purge body stage failed", slog.String("error", err.Error()))
	} else if n > 0 {
		r.log.Info("retention: purged compressed bodies", slog.Int("rows", n))
	}
	if n, err := r.purgeHeadersStage(ctx, now); err != nil {
		r.log.Error("retention: purge headers stage failed", slog.String("error", err.Error()))
	} else if n > 0 {
		r.log.Info("retention: cleared headers", slog.Int("rows", n))
	}
	if n, err := r.deleteRowStage(ctx, now); err != nil {
		r.log.Error("retention: delete row stage failed", slog.String("error", err.Error()))
	} else if n > 0 {
		r.log.Info("retention: deleted rows", slog.Int("rows", n))
	}
}

func (r *Retention) loop(ctx context.Context, step func(*gorm.DB) (int64, error)) (int, error) {
	total := 0
	zeroStreak := 0
	for zeroStreak < 3 {
		n, err := step(r.st.DB().WithContext(ctx))
		if err != nil {
			return total, err
		}
		total += int(n)
		if n == 0 {
			zeroStreak++
		} else {
			zeroStreak = 0
		}
	}
	return total, nil
}

func (r *Retention) compressStage(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.CompressAfterDays)
	return r.loop(ctx, func(db *gorm.DB) (int64, error) {
		var rows []store.Usage
		if err := db.Where("created_at < ? AND request_body IS NOT NULL", cutoff).
			Limit(r.cfg.BatchSize).Find(&rows).Error; err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, nil
		}
		for _, u := range rows {
			updates := map[string]any{"request_body": nil, "response_body": nil}
			if u.RequestBody != nil {
				compressed, err := gzipString(*u.RequestBody)
				if err != nil {
					return 0, err
				}
				updates["request_body_compressed"] = compressed
			}
			if u.ResponseBody != nil {
				compressed, err := gzipString(*u.ResponseBody)
				if err != nil {
					return 0, err
				}
				updates["response_body_compressed"] = compressed
			}
			if err := db.Model(&store.Usage{}).Where("id = ?", u.ID).Updates(updates).Error; err != nil {
				return 0, err
			}
		}
		return int64(len(rows)), nil
	})
}

func (r *Retention) purgeBodyStage(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.PurgeBodyAfterDays)
	return r.loop(ctx, func(db *gorm.DB) (int64, error) {
		res := db.Model(&store.Usage{}).
			Where("created_at < ? AND (request_body_compressed IS NOT NULL OR response_body_compressed IS NOT NULL)", cutoff).
			Limit(r.cfg.BatchSize).
			Updates(map[string]any{"request_body_compressed": nil, "response_body_compressed": nil})
		return res.RowsAffected, res.Error
	})
}

func (r *Retention) purgeHeadersStage(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.PurgeHeadersAfterDays)
	return r.loop(ctx, func(db *gorm.DB) (int64, error) {
		res := db.Model(&store.Usage{}).
			Where("created_at < ? AND (request_headers IS NOT NULL OR response_headers IS NOT NULL)", cutoff).
			Limit(r.cfg.BatchSize).
			Updates(map[string]any{"request_headers": nil, "response_headers": nil})
		return res.RowsAffected, res.Error
	})
}

func (r *Retention) deleteRowStage(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.DeleteRowAfterDays)
	return r.loop(ctx, func(db *gorm.DB) (int64, error) {
		var ids []uint64
		if err := db.Model(&store.Usage{}).Where("created_at < ?", cutoff).Limit(r.cfg.BatchSize).Pluck("id", &ids).Error; err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			return 0, nil
		}
		res := db.Where("id IN ?", ids).Delete(&store.Usage{})
		return res.RowsAffected, res.Error
	})
}

func gzipString(s string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(gw, s); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses gzipString; used by admin tooling to read a
// compressed body column back out, and by the round-trip test in §8.
func Decompress(b []byte) (string, error) {
	gr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("telemetry: decompress: %w", err)
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
