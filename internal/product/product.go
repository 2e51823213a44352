// Package product implements the Product Registry (spec §4.7): a record
// of every artifact a stage produces, queryable by data_type+time window,
// sky-position box, and provenance ancestry.
package product

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/store"
)

// ErrConflict is returned by Register when data_id already exists with a
// different base_path — re-registration with a matching base_path is a
// no-op, per spec §4.7's invariant.
var ErrConflict = errors.New("product: data_id already registered with a different base_path")

type RegisterInput struct {
	DataID             string
	DataType           string
	BasePath           string
	StagePath          string
	CreatorStage       string
	JobID              string
	ParentIDs          []string
	MetadataJSON       datatypes.JSON
	RA, Dec            *float64
	ObservedAt         *time.Time
	AutoPublishEnabled bool
}

type Registry struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) *Registry {
	return &Registry{db: db, log: log.With("component", "product_registry")}
}

// Register inserts a new product, or no-ops if data_id already exists
// with an identical base_path (spec §4.7 invariant).
func (r *Registry) Register(ctx dbctx.Context, in RegisterInput) (*store.ProductRecord, error) {
	tx := ctx.DB(r.db)

	var existing store.ProductRecord
	err := tx.WithContext(ctx.Ctx).Where("data_id = ?", in.DataID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to create
	case err != nil:
		return nil, fmt.Errorf("product: register: lookup: %w", err)
	default:
		if existing.BasePath == in.BasePath {
			return &existing, nil
		}
		return nil, ErrConflict
	}

	parents := in.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	parentIDs, err := json.Marshal(parents)
	if err != nil {
		return nil, fmt.Errorf("product: register: marshal parent_ids: %w", err)
	}
	meta := in.MetadataJSON
	if meta == nil {
		meta = datatypes.JSON([]byte(`{}`))
	}

	record := &store.ProductRecord{
		DataID:             in.DataID,
		DataType:           in.DataType,
		BasePath:           in.BasePath,
		StagePath:          in.StagePath,
		State:              store.ProductStaging,
		QAStatus:           store.QAPending,
		ValidationStatus:   store.ValidationPending,
		FinalizationStatus: store.FinalizationPending,
		AutoPublishEnabled: in.AutoPublishEnabled,
		MetadataJSON:       meta,
		ParentIDs:          datatypes.JSON(parentIDs),
		CreatorStage:       in.CreatorStage,
		JobID:              in.JobID,
		RA:                 in.RA,
		Dec:                in.Dec,
		ObservedAt:         in.ObservedAt,
		CreatedAt:          time.Now(),
	}
	if err := tx.WithContext(ctx.Ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("product: register: %w", err)
	}
	return record, nil
}

// ByDataTypeAndTime is the first query surface: a paginated range query
// over one data_type and an observed_at window.
func (r *Registry) ByDataTypeAndTime(ctx dbctx.Context, dataType string, from, to time.Time, limit, offset int) ([]*store.ProductRecord, error) {
	tx := ctx.DB(r.db)
	var records []*store.ProductRecord
	err := tx.WithContext(ctx.Ctx).
		Where("data_type = ? AND observed_at >= ? AND observed_at < ?", dataType, from, to).
		Order("observed_at ASC").
		Limit(limit).Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("product: by_data_type_and_time: %w", err)
	}
	return records, nil
}

// BySkyBox is the second query surface: a paginated range query over a
// sky-position bounding box.
func (r *Registry) BySkyBox(ctx dbctx.Context, raLo, raHi, decLo, decHi float64, limit, offset int) ([]*store.ProductRecord, error) {
	tx := ctx.DB(r.db)
	var records []*store.ProductRecord
	err := tx.WithContext(ctx.Ctx).
		Where("ra >= ? AND ra <= ? AND dec >= ? AND dec <= ?", raLo, raHi, decLo, decHi).
		Order("ra ASC").
		Limit(limit).Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("product: by_sky_box: %w", err)
	}
	return records, nil
}

// ancestryRow is the scan target for the recursive CTE in Provenance.
type ancestryRow struct {
	store.ProductRecord
	Depth int
}

// maxProvenanceDepth bounds the recursive walk so a cyclic parent graph
// (which should never occur, but is not itself prevented at insert time)
// cannot loop forever.
const maxProvenanceDepth = 50

// Provenance walks the parent_ids chain from dataID up to
// maxProvenanceDepth generations, via one recursive CTE round trip rather
// than N sequential lookups or a separate graph store (see DESIGN.md).
func (r *Registry) Provenance(ctx dbctx.Context, dataID string) ([]*store.ProductRecord, error) {
	tx := ctx.DB(r.db)
	const query = `
WITH RECURSIVE ancestry(data_id, depth) AS (
	SELECT data_id, 0 FROM product_records WHERE data_id = ?
	UNION ALL
	SELECT parent.data_id, a.depth + 1
	FROM ancestry a
	JOIN product_records child ON child.data_id = a.data_id
	JOIN LATERAL jsonb_array_elements_text(child.parent_ids) AS pid ON true
	JOIN product_records parent ON parent.data_id = pid
	WHERE a.depth < ?
)
SELECT pr.*, a.depth AS depth
FROM product_records pr
JOIN ancestry a ON a.data_id = pr.data_id
WHERE a.depth > 0
ORDER BY a.depth ASC`

	var rows []ancestryRow
	if err := tx.WithContext(ctx.Ctx).Raw(query, dataID, maxProvenanceDepth).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("product: provenance: %w", err)
	}
	out := make([]*store.ProductRecord, len(rows))
	for i := range rows {
		out[i] = &rows[i].ProductRecord
	}
	return out, nil
}

// Get fetches a single product by data_id.
func (r *Registry) Get(ctx dbctx.Context, dataID string) (*store.ProductRecord, error) {
	tx := ctx.DB(r.db)
	var record store.ProductRecord
	if err := tx.WithContext(ctx.Ctx).First(&record, "data_id = ?", dataID).Error; err != nil {
		return nil, fmt.Errorf("product: get: %w", err)
	}
	return &record, nil
}
