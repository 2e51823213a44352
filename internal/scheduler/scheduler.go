// Package scheduler implements the cooperative tick loop (spec §4.9): the
// only component allowed to trigger timed state changes, everything else
// in the daemon is event-driven. Grounded on the teacher's
// jobs/worker/worker.go time.NewTicker + select loop shape.
package scheduler

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/ingest/assembler"
	"github.com/dsa110/contimg-core/internal/ingest/watcher"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/publish"
	"github.com/dsa110/contimg-core/internal/queue"
)

// maxCatchUpPerTick bounds how many backlogged watcher events a single tick
// drains, so a large backlog can't make one tick block the next.
const maxCatchUpPerTick = 256

// Scheduler runs the six-step tick in order on every tick_interval (spec
// §4.9): reclaim expired leases, drain watcher catch-up events, promote
// aged groups, scan for publish-eligible products, reconcile failed
// publishes back to staging, then wake workers.
type Scheduler struct {
	db  *gorm.DB
	log *logger.Logger

	q         *queue.Queue
	watcher   *watcher.Watcher
	assembler *assembler.Assembler
	publisher *publish.Publisher

	tickInterval time.Duration
	wake         chan struct{}
}

func New(db *gorm.DB, log *logger.Logger, q *queue.Queue, w *watcher.Watcher, a *assembler.Assembler, p *publish.Publisher, tickInterval time.Duration) *Scheduler {
	return &Scheduler{
		db:           db,
		log:          log.With("component", "scheduler"),
		q:            q,
		watcher:      w,
		assembler:    a,
		publisher:    p,
		tickInterval: tickInterval,
		wake:         make(chan struct{}, 1),
	}
}

// Wake is the channel the orchestrator worker pool selects on alongside its
// own claim-poll ticker, so workers don't wait out a full poll interval
// after the scheduler just made new work available (spec §4.9 step 5).
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

func (s *Scheduler) wakeWorkers() {
	select {
	case s.wake <- struct{}{}:
	default:
		// a wake is already pending; workers will see it on their next poll.
	}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.log.Info("scheduler starting", "tick_interval", s.tickInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(dbctx.Context{Ctx: ctx, Tx: s.db})
		}
	}
}

// tick runs the six ordered steps (spec §4.9) against dbc. Exposed at the
// dbctx level (rather than building its own dbctx.Context from s.db
// internally) so tests can drive it inside a rolled-back transaction.
func (s *Scheduler) tick(dbc dbctx.Context) {
	reclaimed, err := s.q.ReclaimExpired(dbc)
	if err != nil {
		s.log.Warn("scheduler: reclaim_expired failed", "error", err)
	} else if reclaimed > 0 {
		s.log.Info("scheduler: reclaimed expired leases", "count", reclaimed)
	}

	if caught := s.drainWatcherCatchUp(dbc); caught > 0 {
		s.log.Info("scheduler: drained watcher catch-up events", "count", caught)
	}

	if s.assembler != nil {
		promoted, err := s.assembler.PromoteAged(dbc)
		if err != nil {
			s.log.Warn("scheduler: promote_aged failed", "error", err)
		} else if promoted > 0 {
			s.log.Info("scheduler: promoted aged groups", "count", promoted)
		}
	}

	if s.publisher != nil {
		scanned, err := s.publisher.ScanEligible(dbc)
		if err != nil {
			s.log.Warn("scheduler: scan_eligible failed", "error", err)
		} else if scanned > 0 {
			s.log.Info("scheduler: enqueued eligible publishes", "count", scanned)
		}

		reconciled, err := s.publisher.ReconcileFailed(dbc)
		if err != nil {
			s.log.Warn("scheduler: reconcile_failed failed", "error", err)
		} else if reconciled > 0 {
			s.log.Info("scheduler: re-armed failed publishes", "count", reconciled)
		}
	}

	s.wakeWorkers()
}

// drainWatcherCatchUp is a bounded, non-blocking drain of the watcher's
// event channel — a safety net for events a live consumer missed, not the
// primary delivery path (spec §4.9 step 2). Pointing metadata for subband 0
// is populated by the live consumer at arrival time; a catch-up delivery
// here carries file identity only.
func (s *Scheduler) drainWatcherCatchUp(dbc dbctx.Context) int {
	if s.watcher == nil || s.assembler == nil {
		return 0
	}
	n := 0
	for n < maxCatchUpPerTick {
		select {
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return n
			}
			sev := assembler.SubbandEvent{
				GroupID:    ev.GroupID,
				SubbandIdx: ev.SubbandIdx,
				Path:       ev.Path,
				Size:       ev.Size,
				Mtime:      ev.Mtime,
			}
			if err := s.assembler.Handle(dbc, sev); err != nil {
				s.log.Warn("scheduler: catch-up handle failed", "group_id", ev.GroupID, "subband_idx", ev.SubbandIdx, "error", err)
			}
			n++
		default:
			return n
		}
	}
	return n
}
