// Package publish implements the Publish State Machine (spec §4.8):
// staging → validated → publishing → {published | failed → staging} →
// retracted, with crash-safe placement and bounded retry.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/errtax"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/store"
)

const JobTypePublish = "publish"

var (
	ErrNotFound   = errors.New("publish: product not found")
	ErrWrongState = errors.New("publish: product is not in the expected state")
)

// PhotometryCompleted is the only non-null value of photometry_status the
// gating predicate accepts; null means photometry was disabled for a
// product that never needed it.
const PhotometryCompleted = "completed"

type Publisher struct {
	db            *gorm.DB
	log           *logger.Logger
	queue         *queue.Queue
	archiver      Archiver
	publishedRoot string
	maxAttempts   int
	backoff       queue.BackoffPolicy
}

// Archiver mirrors a published artifact off-site; nil disables mirroring.
type Archiver interface {
	Archive(dataID, publishedPath string) (uri string, err error)
}

func New(db *gorm.DB, log *logger.Logger, q *queue.Queue, archiver Archiver, publishedRoot string, maxAttempts int, backoff queue.BackoffPolicy) *Publisher {
	return &Publisher{
		db:            db,
		log:           log.With("component", "publish"),
		queue:         q,
		archiver:      archiver,
		publishedRoot: publishedRoot,
		maxAttempts:   maxAttempts,
		backoff:       backoff,
	}
}

// UpdatePhotometryStatus sets photometry_status on a registered product
// (spec §4.8's sixth gating clause — a product with photometry disabled
// keeps the column null, which the gate also accepts).
func (p *Publisher) UpdatePhotometryStatus(dbc dbctx.Context, dataID, status string) error {
	tx := dbc.DB(p.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
		Where("data_id = ?", dataID).
		Update("photometry_status", status)
	if res.Error != nil {
		return fmt.Errorf("publish: update_photometry_status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateQA atomically sets qa_status and validation_status (spec §4.8
// update_qa transition).
func (p *Publisher) UpdateQA(dbc dbctx.Context, dataID, qaStatus, validationStatus string) error {
	tx := dbc.DB(p.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
		Where("data_id = ?", dataID).
		Updates(map[string]interface{}{
			"qa_status":         qaStatus,
			"validation_status": validationStatus,
		})
	if res.Error != nil {
		return fmt.Errorf("publish: update_qa: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Finalize sets finalization_status=finalized and, if the gating predicate
// then holds, enqueues a publish work item (spec §4.8 finalize
// transition).
func (p *Publisher) Finalize(dbc dbctx.Context, dataID string) error {
	tx := dbc.DB(p.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
		Where("data_id = ?", dataID).
		Update("finalization_status", store.FinalizationFinalized)
	if res.Error != nil {
		return fmt.Errorf("publish: finalize: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	var product store.ProductRecord
	if err := tx.WithContext(dbc.Ctx).First(&product, "data_id = ?", dataID).Error; err != nil {
		return fmt.Errorf("publish: finalize: reload: %w", err)
	}
	if !gateSatisfied(&product) {
		return nil
	}
	return p.enqueuePublish(dbc, dataID)
}

// gateSatisfied evaluates the six-clause auto-publish predicate (spec
// §4.8).
func gateSatisfied(p *store.ProductRecord) bool {
	if p.State != store.ProductStaging {
		return false
	}
	if !p.AutoPublishEnabled {
		return false
	}
	if p.QAStatus != store.QAPassed {
		return false
	}
	if p.ValidationStatus != store.ValidationValidated {
		return false
	}
	if p.FinalizationStatus != store.FinalizationFinalized {
		return false
	}
	if p.PhotometryStatus != nil && *p.PhotometryStatus != PhotometryCompleted {
		return false
	}
	return true
}

func (p *Publisher) enqueuePublish(dbc dbctx.Context, dataID string) error {
	payload, err := payloadFor(dataID)
	if err != nil {
		return err
	}
	_, err = p.queue.Enqueue(dbc, JobTypePublish, payload, p.maxAttempts)
	if err != nil {
		return fmt.Errorf("publish: enqueue: %w", err)
	}
	return nil
}

func payloadFor(dataID string) (datatypes.JSON, error) {
	raw, err := json.Marshal(publishPayload{DataID: dataID})
	if err != nil {
		return nil, fmt.Errorf("publish: encode payload: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// ScanEligible scans staged products for which the gating predicate holds
// and enqueues a publish work item for each — the scheduler's tick-4 duty
// (spec §4.9). The conditional state transition inside RunPublishOnce makes
// a duplicate enqueue harmless: the second worker to claim the item finds
// state already != staging and completes as a no-op.
func (p *Publisher) ScanEligible(dbc dbctx.Context) (int, error) {
	tx := dbc.DB(p.db)
	var products []*store.ProductRecord
	err := tx.WithContext(dbc.Ctx).
		Where("state = ? AND auto_publish_enabled = ? AND qa_status = ? AND validation_status = ? AND finalization_status = ?",
			store.ProductStaging, true, store.QAPassed, store.ValidationValidated, store.FinalizationFinalized).
		Where("photometry_status IS NULL OR photometry_status = ?", PhotometryCompleted).
		Find(&products).Error
	if err != nil {
		return 0, fmt.Errorf("publish: scan_eligible: %w", err)
	}
	for _, product := range products {
		if err := p.enqueuePublish(dbc, product.DataID); err != nil {
			return 0, err
		}
	}
	return len(products), nil
}

type publishPayload struct {
	DataID string `json:"data_id"`
}

func decodePayload(raw datatypes.JSON, out *publishPayload) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("publish: decode payload: %w", err)
	}
	if out.DataID == "" {
		return fmt.Errorf("publish: payload missing data_id")
	}
	return nil
}

// RunPublishOnce performs one publish attempt for a claimed work item: it
// moves the staged artifact to its published path and advances the
// product's state, classifying and recording failures through the same
// errtax/work-queue contract the orchestrator uses.
func (p *Publisher) RunPublishOnce(dbc dbctx.Context, item *store.WorkQueueItem, owner string) error {
	var payload publishPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		classified := errtax.New(errtax.InputInvalid, "publish", item.RetryCount, false, err)
		if qErr := p.queue.Fail(dbc, item.ID, owner, classified); qErr != nil {
			p.log.Warn("publish: failed to record queue failure", "item_id", item.ID, "error", qErr)
		}
		return err
	}

	if err := p.publishOne(dbc, payload.DataID); err != nil {
		classified := errtax.New(errtax.Transient, "publish", item.RetryCount, true, err)
		if failErr := p.markFailed(dbc, payload.DataID, err); failErr != nil {
			p.log.Warn("publish: failed to record publish_error", "data_id", payload.DataID, "error", failErr)
		}
		if qErr := p.queue.Fail(dbc, item.ID, owner, classified); qErr != nil {
			p.log.Warn("publish: failed to record queue failure", "item_id", item.ID, "error", qErr)
		}
		return err
	}
	return p.queue.Complete(dbc, item.ID, owner)
}

func (p *Publisher) publishOne(dbc dbctx.Context, dataID string) error {
	tx := dbc.DB(p.db)

	var product store.ProductRecord
	if err := tx.WithContext(dbc.Ctx).First(&product, "data_id = ?", dataID).Error; err != nil {
		return fmt.Errorf("publish: load: %w", err)
	}
	if product.State != store.ProductStaging {
		// Already advanced past staging (duplicate enqueue, or a retract
		// raced ahead) — nothing to do.
		return nil
	}

	res := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
		Where("data_id = ? AND state = ?", dataID, store.ProductStaging).
		Update("state", store.ProductPublishing)
	if res.Error != nil {
		return fmt.Errorf("publish: transition to publishing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	publishedPath := filepath.Join(p.publishedRoot, product.DataType, filepath.Base(product.StagePath))
	if err := moveFile(product.StagePath, publishedPath); err != nil {
		// markFailed (called by RunPublishOnce) moves this out of
		// "publishing" into "failed"; a subsequent retry resets it to
		// "staging" itself, so no recovery is needed here.
		return fmt.Errorf("publish: move: %w", err)
	}

	var archivedURI *string
	if p.archiver != nil {
		if uri, err := p.archiver.Archive(dataID, publishedPath); err != nil {
			p.log.Warn("publish: archive mirror failed, published state unaffected", "data_id", dataID, "error", err)
		} else {
			archivedURI = &uri
		}
	}

	now := time.Now()
	updates := map[string]interface{}{
		"state":            store.ProductPublished,
		"published_path":   publishedPath,
		"published_at":     now,
		"publish_attempts": gorm.Expr("publish_attempts + 1"),
	}
	if archivedURI != nil {
		updates["archived_uri"] = *archivedURI
		updates["archived_at"] = now
	}
	if err := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
		Where("data_id = ?", dataID).Updates(updates).Error; err != nil {
		return fmt.Errorf("publish: finalize record: %w", err)
	}
	return nil
}

func (p *Publisher) markFailed(dbc dbctx.Context, dataID string, cause error) error {
	tx := dbc.DB(p.db)
	msg := cause.Error()
	now := time.Now()
	res := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
		Where("data_id = ?", dataID).
		Updates(map[string]interface{}{
			"state":             store.ProductFailed,
			"publish_error":     msg,
			"publish_attempts":  gorm.Expr("publish_attempts + 1"),
			"publish_failed_at": now,
		})
	return res.Error
}

// ReconcileFailed moves failed products whose backoff has elapsed back to
// staging and re-enqueues a publish attempt (spec §4.8's failed -> staging
// retry transition) — the scheduler's reconciliation duty, since everything
// but the tick loop is event-driven. A product that has exhausted
// max_publish_attempts is left failed permanently.
func (p *Publisher) ReconcileFailed(dbc dbctx.Context) (int, error) {
	tx := dbc.DB(p.db)
	var candidates []*store.ProductRecord
	err := tx.WithContext(dbc.Ctx).
		Where("state = ? AND publish_attempts < ?", store.ProductFailed, p.maxAttempts).
		Find(&candidates).Error
	if err != nil {
		return 0, fmt.Errorf("publish: reconcile_failed: scan: %w", err)
	}

	now := time.Now()
	n := 0
	for _, product := range candidates {
		if product.PublishFailedAt == nil {
			continue
		}
		if now.Before(product.PublishFailedAt.Add(p.backoff.Compute(product.PublishAttempts))) {
			continue
		}

		res := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
			Where("data_id = ? AND state = ?", product.DataID, store.ProductFailed).
			Update("state", store.ProductStaging)
		if res.Error != nil {
			return n, fmt.Errorf("publish: reconcile_failed: transition: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another reconciliation pass already re-armed it.
			continue
		}
		if err := p.enqueuePublish(dbc, product.DataID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Retract moves a published product back to retracted, permissible only
// from published (spec §4.8 retract transition, terminal).
func (p *Publisher) Retract(dbc dbctx.Context, dataID string) error {
	tx := dbc.DB(p.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.ProductRecord{}).
		Where("data_id = ? AND state = ?", dataID, store.ProductPublished).
		Update("state", store.ProductRetracted)
	if res.Error != nil {
		return fmt.Errorf("publish: retract: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var product store.ProductRecord
		if err := tx.WithContext(dbc.Ctx).First(&product, "data_id = ?", dataID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("publish: retract: %w", err)
		}
		return ErrWrongState
	}
	return nil
}
