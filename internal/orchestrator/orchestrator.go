// Package orchestrator implements the Stage Orchestrator (spec §3.6, §4.5):
// a per-group sequential DAG of stages, executed with per-stage timeout,
// retry, cleanup, and output validation, and observed via OpenTelemetry
// span events — grounded on the teacher's internal/jobs/orchestrator DAG
// engine, made synchronous since a job here runs to completion in one
// goroutine rather than as polled async child jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/errtax"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/publish"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/store"
)

// productDataIDKey mirrors internal/stages.KeyProductDataID: the
// StageContext output key a stage (Imaging) sets when it registers a
// product. The orchestrator is domain-agnostic and does not import
// internal/stages, so the string is duplicated rather than shared as a
// constant; RunJob only reads it to drive the post-DAG finalize hook below.
const productDataIDKey = "product_data_id"

// ErrCancelled is returned when the caller's context is cancelled between
// stages; the group is marked failed with reason "cancelled".
var ErrCancelled = errors.New("orchestrator: run cancelled")

type Orchestrator struct {
	db        *gorm.DB
	log       *logger.Logger
	tracer    trace.Tracer
	publisher *publish.Publisher
}

// New builds an Orchestrator. tracerName is passed to otel.Tracer; an empty
// string is fine and uses the global default tracer.
func New(db *gorm.DB, log *logger.Logger, tracerName string) *Orchestrator {
	return &Orchestrator{db: db, log: log.With("component", "orchestrator"), tracer: otel.Tracer(tracerName)}
}

// SetPublisher wires the Publish State Machine so a completed job's
// registered product is finalized automatically (spec §4.8 finalize
// transition) once every stage — including Photometry, which runs
// alongside CrossMatch in the DAG's final level — has finished. Nil (the
// zero value) disables this; RunJob simply skips finalization.
func (o *Orchestrator) SetPublisher(p *publish.Publisher) {
	o.publisher = p
}

// RunJob executes every stage of defs, in dependency order, against the
// observation group groupID, under the work queue lease item/owner. On
// full success it marks the group completed and completes the queue item;
// on exhausted failure it marks the group failed and dead-letters (or
// re-arms, per the policy) the queue item via q.Fail. The caller still owns
// claiming the item and holding its lease for the duration of the call.
func (o *Orchestrator) RunJob(ctx context.Context, dbc dbctx.Context, q *queue.Queue, item *store.WorkQueueItem, owner, groupID string, defs []StageDef, initialConfig map[string]interface{}) error {
	levels, err := validateDAG(defs)
	if err != nil {
		classified := errtax.New(errtax.InputInvalid, "dag_validate", 1, false, err)
		o.markGroupFailed(dbc, groupID, classified.Error())
		if q != nil && item != nil {
			_ = q.Fail(dbc, item.ID, owner, classified)
		}
		return err
	}

	defByName := make(map[string]StageDef, len(defs))
	for _, d := range defs {
		defByName[d.Name] = d
	}

	o.markGroupInProgress(dbc, groupID)
	sc := NewStageContext(item.ID, initialConfig)

	for _, level := range levels {
		if ctx.Err() != nil {
			o.markGroupFailed(dbc, groupID, "cancelled")
			if q != nil && item != nil {
				_ = q.Fail(dbc, item.ID, owner, errtax.New(errtax.Fatal, level[0], 0, false, ctx.Err()))
			}
			return ErrCancelled
		}

		nextSC, classified := o.runLevel(ctx, defByName, level, groupID, sc)
		if classified != nil {
			o.markGroupFailed(dbc, groupID, classified.Error())
			if q != nil && item != nil {
				_ = q.Fail(dbc, item.ID, owner, classified)
			}
			return classified
		}
		sc = nextSC
	}

	o.markGroupCompleted(dbc, groupID)
	o.finalizeProduct(dbc, groupID, sc)
	if q != nil && item != nil {
		if err := q.Complete(dbc, item.ID, owner); err != nil {
			o.log.Warn("orchestrator: group finished but queue item completion failed", "group_id", groupID, "item_id", item.ID, "err", err)
		}
	}
	return nil
}

// finalizeProduct drives the Product Registry's finalize transition (spec
// §4.7/§4.8) for whatever product the DAG registered, now that every stage
// — Photometry included — has finished writing to it. Best-effort: a
// finalize failure is logged but never turns a completed job into a
// failed one; the scheduler's scan_eligible retries the gate check
// independently on its own tick.
func (o *Orchestrator) finalizeProduct(dbc dbctx.Context, groupID string, sc StageContext) {
	if o.publisher == nil {
		return
	}
	dataID, ok := sc.GetString(productDataIDKey)
	if !ok || dataID == "" {
		return
	}
	if err := o.publisher.Finalize(dbc, dataID); err != nil {
		o.log.Warn("orchestrator: product finalize failed", "group_id", groupID, "data_id", dataID, "err", err)
	}
}

// runLevel executes every stage in one DAG level. A single-stage level runs
// inline; a multi-stage level (mutually independent stages, same
// dependencies already satisfied) fans out via errgroup, grounded on the
// teacher's use of golang.org/x/sync/errgroup for its own concurrent
// fan-out (internal/modules/learning/steps/ingest_chunks.go). Each stage in
// the level reads from the same incoming context; their outputs are merged
// back together once every stage in the level has finished, so a later
// level sees the union.
func (o *Orchestrator) runLevel(ctx context.Context, defByName map[string]StageDef, level []string, groupID string, sc StageContext) (StageContext, *errtax.Classified) {
	if len(level) == 1 {
		return o.runStage(ctx, defByName[level[0]], groupID, sc)
	}

	results := make([]StageContext, len(level))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range level {
		i, def := i, defByName[name]
		g.Go(func() error {
			result, classified := o.runStage(gctx, def, groupID, sc)
			if classified != nil {
				return classified
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		classified, ok := err.(*errtax.Classified)
		if !ok {
			classified = errtax.New(errtax.Fatal, "level", 0, false, err)
		}
		return sc, classified
	}

	merged := sc
	for _, result := range results {
		additions := map[string]interface{}{}
		for k, v := range result.Outputs {
			if _, existed := sc.Outputs[k]; !existed {
				additions[k] = v
			}
		}
		merged = merged.WithOutputs(additions)
	}
	return merged, nil
}

// runStage drives one stage through its full validate/execute/cleanup/
// validate_outputs/retry lifecycle, returning either the derived context on
// success or the terminal classified error once the stage's retry budget
// is exhausted.
func (o *Orchestrator) runStage(ctx context.Context, def StageDef, groupID string, sc StageContext) (StageContext, *errtax.Classified) {
	retry := def.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	spanCtx, span := o.tracer.Start(ctx, "stage."+def.Name, trace.WithAttributes(
		attribute.String("group_id", groupID),
		attribute.String("stage", def.Name),
	))
	defer span.End()
	span.AddEvent("stage_started")

	var lastClassified *errtax.Classified
	for attempt := 1; ; attempt++ {
		stageCtx := spanCtx
		var cancel context.CancelFunc
		if def.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(spanCtx, def.Timeout)
		}

		result, executed, err := o.attempt(stageCtx, def.Stage, sc)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			span.AddEvent("stage_succeeded")
			span.SetStatus(codes.Ok, "")
			return result, nil
		}

		lastClassified = errtax.As(def.Name, attempt, err)
		span.AddEvent("stage_failed", trace.WithAttributes(
			attribute.String("kind", string(lastClassified.Kind)),
			attribute.Int("attempt", attempt),
		))

		if executed {
			if cleanupErr := def.Stage.Cleanup(spanCtx, sc); cleanupErr != nil {
				o.log.Warn("orchestrator: stage cleanup failed", "group_id", groupID, "stage", def.Name, "err", cleanupErr)
			}
		}

		if !lastClassified.Retryable || !retry.ShouldRetry(attempt) {
			span.SetStatus(codes.Error, lastClassified.Error())
			return sc, lastClassified
		}

		select {
		case <-time.After(retry.Delay(attempt)):
		case <-spanCtx.Done():
			span.SetStatus(codes.Error, "cancelled during retry backoff")
			return sc, errtax.New(errtax.Fatal, def.Name, attempt, false, spanCtx.Err())
		}
	}
}

// attempt runs one validate→execute→validate_outputs pass, folding all
// three error sources into a single returned error. executed reports
// whether Execute was reached, i.e. whether Cleanup applies.
func (o *Orchestrator) attempt(ctx context.Context, s Stage, sc StageContext) (StageContext, bool, error) {
	if err := s.Validate(ctx, sc); err != nil {
		return sc, false, fmt.Errorf("validate: %w", err)
	}
	next, err := s.Execute(ctx, sc)
	if err != nil {
		return sc, true, fmt.Errorf("execute: %w", err)
	}
	if err := s.ValidateOutputs(ctx, next); err != nil {
		return sc, true, fmt.Errorf("validate_outputs: %w", err)
	}
	return next, true, nil
}

func (o *Orchestrator) markGroupFailed(dbc dbctx.Context, groupID, reason string) {
	tx := dbc.DB(o.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.ObservationGroup{}).
		Where("group_id = ?", groupID).
		Updates(map[string]interface{}{
			"state":         store.GroupFailed,
			"error_message": reason,
			"last_update":   time.Now(),
		})
	if res.Error != nil {
		o.log.Error("orchestrator: failed to mark group failed", "group_id", groupID, "err", res.Error)
	}
}

func (o *Orchestrator) markGroupInProgress(dbc dbctx.Context, groupID string) {
	tx := dbc.DB(o.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.ObservationGroup{}).
		Where("group_id = ?", groupID).
		Updates(map[string]interface{}{
			"state":       store.GroupInProgress,
			"last_update": time.Now(),
		})
	if res.Error != nil {
		o.log.Error("orchestrator: failed to mark group in_progress", "group_id", groupID, "err", res.Error)
	}
}

func (o *Orchestrator) markGroupCompleted(dbc dbctx.Context, groupID string) {
	tx := dbc.DB(o.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.ObservationGroup{}).
		Where("group_id = ?", groupID).
		Updates(map[string]interface{}{
			"state":       store.GroupCompleted,
			"last_update": time.Now(),
		})
	if res.Error != nil {
		o.log.Error("orchestrator: failed to mark group completed", "group_id", groupID, "err", res.Error)
	}
}
