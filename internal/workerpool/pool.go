// Package workerpool claims "process_group" work queue items and drives
// each one through the stage orchestrator's DAG, grounded on the teacher's
// internal/jobs/worker Start/runLoop shape — ticker-driven goroutines, a
// heartbeat side-goroutine, and panic recovery around each handler
// invocation — made synchronous per job rather than dispatching to a
// handler registry, since this daemon has exactly one job type.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/errtax"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/stages"
	"github.com/dsa110/contimg-core/internal/store"
)

const jobType = "process_group"

// ProcessingDefaults seeds every job's initial stage context with the
// operator-configured knobs that the stage catalog reads but no event or
// group row carries (spec §4.5: ref_ant, calibrator_field, catalog_refs).
type ProcessingDefaults struct {
	RefAnt          string
	CalibratorField string
	CatalogRefs     []string
}

// Pool is the worker pool: N goroutines, each polling the work queue for
// process_group items and running them to completion via the orchestrator.
type Pool struct {
	db    *gorm.DB
	log   *logger.Logger
	q     *queue.Queue
	orc   *orchestrator.Orchestrator
	defs  []orchestrator.StageDef
	procDefaults ProcessingDefaults

	concurrency   int
	pollInterval  time.Duration
	leaseDuration time.Duration
	wake          <-chan struct{}
}

// New builds a Pool. wake, if non-nil, lets the scheduler nudge an idle
// worker the instant it enqueues a new item rather than waiting for the
// next poll tick; a nil wake channel degrades gracefully to pure polling.
func New(db *gorm.DB, log *logger.Logger, q *queue.Queue, orc *orchestrator.Orchestrator, defs []orchestrator.StageDef, procDefaults ProcessingDefaults, concurrency int, pollInterval, leaseDuration time.Duration, wake <-chan struct{}) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		db:            db,
		log:           log.With("component", "workerpool"),
		q:             q,
		orc:           orc,
		defs:          defs,
		procDefaults:  procDefaults,
		concurrency:   concurrency,
		pollInterval:  pollInterval,
		leaseDuration: leaseDuration,
		wake:          wake,
	}
}

// Start launches concurrency goroutines, each running an independent
// runLoop until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("starting worker pool", "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		workerID := i + 1
		go p.runLoop(ctx, workerID)
	}
}

func (p *Pool) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			p.claimAndRun(ctx, workerID)
		case <-p.wake:
			p.claimAndRun(ctx, workerID)
		}
	}
}

func (p *Pool) claimAndRun(ctx context.Context, workerID int) {
	owner := fmt.Sprintf("worker-%d", workerID)
	dbc := dbctx.Context{Ctx: ctx, Tx: p.db}

	item, err := p.q.Claim(dbc, owner, p.leaseDuration)
	if err != nil {
		p.log.Warn("claim failed", "worker_id", workerID, "err", err)
		return
	}
	if item == nil {
		return
	}
	if item.JobType != jobType {
		// Not ours — re-arm immediately for whoever does handle it. This
		// daemon only ever enqueues process_group today, so this path is
		// a defensive guard against a future second job type sharing the
		// table, not a case this worker expects to hit.
		p.log.Warn("claimed item of unexpected job_type, releasing", "worker_id", workerID, "job_type", item.JobType)
		_ = p.q.Fail(dbc, item.ID, owner, errtax.New(errtax.Fatal, "dispatch", 1, false, fmt.Errorf("workerpool: unexpected job_type %q", item.JobType)))
		return
	}

	stopHB := p.startHeartbeat(ctx, item.ID, owner)
	defer stopHB()

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("job handler panic", "worker_id", workerID, "item_id", item.ID, "panic", r)
				classified := errtax.New(errtax.Fatal, "panic", 1, false, fmt.Errorf("workerpool: panic: %v", r))
				_ = p.q.Fail(dbc, item.ID, owner, classified)
			}
		}()

		groupID, initialConfig, err := p.buildJobInput(dbc, item)
		if err != nil {
			classified := errtax.New(errtax.InputInvalid, "dispatch", 1, false, err)
			_ = p.q.Fail(dbc, item.ID, owner, classified)
			return
		}

		if runErr := p.orc.RunJob(ctx, dbc, p.q, item, owner, groupID, p.defs, initialConfig); runErr != nil {
			p.log.Warn("job failed", "worker_id", workerID, "item_id", item.ID, "group_id", groupID, "err", runErr)
		}
	}()
}

// buildJobInput decodes the queue payload and assembles the stage context
// seed: subband paths in frequency order, the group's pointing metadata,
// and the operator-configured calibration/catalog defaults (spec §4.5
// table's CatalogSetup/Conversion/CalibrationSolve/Validation inputs).
func (p *Pool) buildJobInput(dbc dbctx.Context, item *store.WorkQueueItem) (string, map[string]interface{}, error) {
	var payload struct {
		GroupID string `json:"group_id"`
	}
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return "", nil, fmt.Errorf("workerpool: decode payload: %w", err)
	}
	if payload.GroupID == "" {
		return "", nil, fmt.Errorf("workerpool: payload missing group_id")
	}

	tx := dbc.DB(p.db)

	var group store.ObservationGroup
	if err := tx.WithContext(dbc.Ctx).First(&group, "group_id = ?", payload.GroupID).Error; err != nil {
		return "", nil, fmt.Errorf("workerpool: load group %s: %w", payload.GroupID, err)
	}

	var subbands []store.SubbandRecord
	if err := tx.WithContext(dbc.Ctx).Where("group_id = ?", payload.GroupID).Find(&subbands).Error; err != nil {
		return "", nil, fmt.Errorf("workerpool: load subbands for %s: %w", payload.GroupID, err)
	}
	sort.Slice(subbands, func(i, j int) bool { return subbands[i].SubbandIdx < subbands[j].SubbandIdx })
	paths := make([]string, 0, len(subbands))
	for _, sb := range subbands {
		paths = append(paths, sb.Path)
	}

	initialConfig := map[string]interface{}{
		stages.KeyGroupID:         payload.GroupID,
		stages.KeySubbandPaths:    paths,
		stages.KeyRefAnt:          p.procDefaults.RefAnt,
		stages.KeyCalibratorField: p.procDefaults.CalibratorField,
		stages.KeyCatalogRefs:     p.procDefaults.CatalogRefs,
	}
	if group.PointingRA != nil {
		initialConfig[stages.KeyPointingRA] = *group.PointingRA
	}
	if group.PointingDec != nil {
		initialConfig[stages.KeyPointingDec] = *group.PointingDec
	}

	return payload.GroupID, initialConfig, nil
}

// startHeartbeat periodically extends the item's lease for the duration of
// a (potentially long) stage run, mirroring the teacher's
// startHeartbeat/stopHB pattern. The returned stop function must be called
// once the job finishes.
func (p *Pool) startHeartbeat(ctx context.Context, itemID, owner string) func() {
	done := make(chan struct{})
	interval := p.leaseDuration / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		dbc := dbctx.Context{Ctx: ctx, Tx: p.db}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.q.Heartbeat(dbc, itemID, owner, p.leaseDuration); err != nil {
					p.log.Warn("heartbeat failed", "item_id", itemID, "err", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
