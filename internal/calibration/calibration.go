// Package calibration implements the Calibration Registry (spec §4.6):
// time-windowed artifact registration and lookup, with a Redis-backed
// read cache keyed by the registry's own change-feed version.
package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/store"
	"github.com/google/uuid"
)

var ErrDuplicateOrder = errors.New("calibration: duplicate (order_index, created_at) within an active set")

// Table types, per spec §3.4.
const (
	TableK    = "K"
	TableBA   = "BA"
	TableBP   = "BP"
	TableGA   = "GA"
	TableGP   = "GP"
	Table2G   = "2G"
	TableFlux = "FLUX"
)

type RegisterInput struct {
	SetName        string
	Path           string
	TableType      string
	OrderIndex     int
	CalField       string
	ValidStartMJD  float64
	ValidEndMJD    float64 // use calibration.InfiniteMJD for an open-ended window
	SolverParams   datatypes.JSON
	QualityMetrics datatypes.JSON
}

const InfiniteMJD = store.ValidEndInfinity

// Default validity windows (spec §4.6: "inputs to register, not hard-coded
// policy of the registry itself" — these are convenience constants for
// callers, not enforced here).
const (
	DefaultBandpassValidityHours = 24
	DefaultGainValidityHours     = 1
)

type Registry struct {
	db    *gorm.DB
	log   *logger.Logger
	redis *redis.Client
}

func New(db *gorm.DB, log *logger.Logger, redisClient *redis.Client) *Registry {
	return &Registry{db: db, log: log.With("component", "calibration_registry"), redis: redisClient}
}

// Register inserts a new active artifact. Two artifacts with an identical
// (order_index, created_at) within an active set are a configuration
// error rejected at insert time — enforced here and backstopped by the
// partial unique index in the migration.
func (r *Registry) Register(ctx dbctx.Context, in RegisterInput) (*store.CalibrationArtifact, error) {
	return r.registerAt(ctx, in, time.Now())
}

// registerAt is Register with an explicit created_at, split out so tests
// can exercise the duplicate-(order_index, created_at) rejection
// deterministically instead of racing the clock.
func (r *Registry) registerAt(ctx dbctx.Context, in RegisterInput, createdAt time.Time) (*store.CalibrationArtifact, error) {
	tx := ctx.DB(r.db)
	artifact := &store.CalibrationArtifact{
		ID:             uuid.New().String(),
		SetName:        in.SetName,
		Path:           in.Path,
		TableType:      in.TableType,
		OrderIndex:     in.OrderIndex,
		CalField:       in.CalField,
		ValidStartMJD:  in.ValidStartMJD,
		ValidEndMJD:    in.ValidEndMJD,
		Status:         store.CalActive,
		SolverParams:   in.SolverParams,
		QualityMetrics: in.QualityMetrics,
		CreatedAt:      createdAt,
	}
	if artifact.ValidEndMJD == 0 {
		artifact.ValidEndMJD = InfiniteMJD
	}

	err := tx.WithContext(ctx.Ctx).Transaction(func(txx *gorm.DB) error {
		var count int64
		if err := txx.Model(&store.CalibrationArtifact{}).
			Where("set_name = ? AND status = ? AND order_index = ? AND created_at = ?",
				in.SetName, store.CalActive, in.OrderIndex, artifact.CreatedAt).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateOrder
		}
		return txx.Create(artifact).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			return nil, err
		}
		return nil, fmt.Errorf("calibration: register: %w", err)
	}

	r.bumpVersion(ctx.Ctx)
	return artifact, nil
}

// ApplyList returns the artifacts active at MJD instant t, sorted by
// order_index ascending then created_at descending (spec §4.6), across all
// sets. It always queries Postgres directly; ApplyListCached is the cached
// variant, keyed by (t-bucket, version).
func (r *Registry) ApplyList(ctx dbctx.Context, t float64) ([]*store.CalibrationArtifact, error) {
	tx := ctx.DB(r.db)
	var artifacts []*store.CalibrationArtifact
	err := tx.WithContext(ctx.Ctx).
		Where("status = ? AND valid_start_mjd <= ? AND valid_end_mjd > ?", store.CalActive, t, t).
		Order("order_index ASC, created_at DESC").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("calibration: apply_list: %w", err)
	}
	return artifacts, nil
}

// ApplyListCached is ApplyList with a short-lived Redis read-through cache
// keyed by (time bucket, registry version); it falls back to ApplyList
// directly whenever Redis is unset or misses/errors, so it is always safe
// to call in place of ApplyList.
func (r *Registry) ApplyListCached(ctx dbctx.Context, t float64, bucketWidth float64) ([]*store.CalibrationArtifact, error) {
	if r.redis == nil {
		return r.ApplyList(ctx, t)
	}

	version, err := r.redis.Get(ctx.Ctx, versionKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Warn("calibration: version read failed, bypassing cache", "err", err)
		return r.ApplyList(ctx, t)
	}
	if errors.Is(err, redis.Nil) {
		version = "0"
	}

	key := fmt.Sprintf("calibration:apply_list:v%s:t%f", version, BucketedTime(t, bucketWidth))
	if cached, err := r.redis.Get(ctx.Ctx, key).Result(); err == nil {
		var artifacts []*store.CalibrationArtifact
		if jsonErr := json.Unmarshal([]byte(cached), &artifacts); jsonErr == nil {
			return artifacts, nil
		}
	}

	artifacts, err := r.ApplyList(ctx, t)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(artifacts); err == nil {
		if err := r.redis.Set(ctx.Ctx, key, encoded, 5*time.Minute).Err(); err != nil {
			r.log.Warn("calibration: failed to populate cache", "err", err)
		}
	}
	return artifacts, nil
}

// Retire transitions one artifact from active to retired. Irreversible in
// normal operation; retiring one artifact never implicitly retires its
// set-mates.
func (r *Registry) Retire(ctx dbctx.Context, id string) error {
	tx := ctx.DB(r.db)
	res := tx.WithContext(ctx.Ctx).Model(&store.CalibrationArtifact{}).
		Where("id = ? AND status = ?", id, store.CalActive).
		Update("status", store.CalRetired)
	if res.Error != nil {
		return fmt.Errorf("calibration: retire: %w", res.Error)
	}
	r.bumpVersion(ctx.Ctx)
	return nil
}

// RetireSet retires every active artifact of set_name in one transaction —
// the batch convenience wrapper named in spec §4.6.
func (r *Registry) RetireSet(ctx dbctx.Context, setName string) (int64, error) {
	tx := ctx.DB(r.db)
	var affected int64
	err := tx.WithContext(ctx.Ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&store.CalibrationArtifact{}).
			Where("set_name = ? AND status = ?", setName, store.CalActive).
			Update("status", store.CalRetired)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("calibration: retire_set: %w", err)
	}
	r.bumpVersion(ctx.Ctx)
	return affected, nil
}

const versionKey = "calibration:registry:version"

// bumpVersion invalidates the cache by advancing the change-feed counter.
// Redis is an optional accelerator: failures here are logged, not fatal —
// readers simply miss the cache and hit Postgres directly.
func (r *Registry) bumpVersion(ctx context.Context) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Incr(ctx, versionKey).Err(); err != nil {
		r.log.Warn("calibration: failed to bump cache version", "err", err)
	}
}

// BucketedTime rounds t down to a coarse bucket so nearby lookups within
// the same bucket share a cache entry; callers needing exact apply-list
// freshness at arbitrary precision should bypass the cache by calling
// ApplyList directly.
func BucketedTime(t float64, bucketWidth float64) float64 {
	if bucketWidth <= 0 {
		return t
	}
	return math.Floor(t/bucketWidth) * bucketWidth
}
