// Package assembler implements the Group Assembler (spec §4.3): it turns
// watcher events into Subband Records, maintains per-group subband
// counters, and promotes groups to pending for the orchestrator once they
// are complete or semi-complete-and-aged.
package assembler

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/store"
)

type Thresholds struct {
	CompleteThreshold int           // default 16
	EligibleThreshold int           // default 12
	SemiCompleteDelay time.Duration // configurable
}

func DefaultThresholds() Thresholds {
	return Thresholds{CompleteThreshold: 16, EligibleThreshold: 12, SemiCompleteDelay: 10 * time.Minute}
}

type Assembler struct {
	db         *gorm.DB
	log        *logger.Logger
	q          *queue.Queue
	thresholds Thresholds
}

func New(db *gorm.DB, log *logger.Logger, q *queue.Queue, thresholds Thresholds) *Assembler {
	return &Assembler{db: db, log: log.With("component", "assembler"), q: q, thresholds: thresholds}
}

// SubbandEvent is the input the assembler consumes, mirroring
// watcher.Event without importing the watcher package directly (keeps
// assembler independent of the event source — tests feed it synthetic
// events too).
type SubbandEvent struct {
	GroupID    string
	SubbandIdx int
	Path       string
	Size       int64
	Mtime      time.Time
	// PointingRA/PointingDec/ObservedAt are populated by the caller only
	// for subband 0, the authoritative pointing record (spec §3.2).
	PointingRA  *float64
	PointingDec *float64
	ObservedAt  *time.Time
}

// KnownSubband reports whether (groupID, idx) is already a stored subband
// record, used by the watcher's backfill to avoid duplicate work. Events
// are otherwise idempotent (step 1 below no-ops on an identical path), so
// this is an optimization, not a correctness requirement.
func (a *Assembler) KnownSubband(groupID string, idx int) bool {
	var count int64
	a.db.Model(&store.SubbandRecord{}).
		Where("group_id = ? AND subband_idx = ? AND stored = true", groupID, idx).
		Count(&count)
	return count > 0
}

// Handle processes one subband event per the six-step transaction in
// spec §4.3. It is safe to call concurrently and repeatedly for the same
// event (at-least-once delivery, spec §4.2).
func (a *Assembler) Handle(ctx dbctx.Context, ev SubbandEvent) error {
	tx := ctx.DB(a.db)
	return tx.WithContext(ctx.Ctx).Transaction(func(txx *gorm.DB) error {
		var group store.ObservationGroup
		err := txx.Where("group_id = ?", ev.GroupID).First(&group).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			group = store.ObservationGroup{
				GroupID:          ev.GroupID,
				State:            store.GroupCollecting,
				ReceivedAt:       time.Now(),
				LastUpdate:       time.Now(),
				ExpectedSubbands: a.thresholds.CompleteThreshold,
			}
			if err := txx.Create(&group).Error; err != nil {
				return fmt.Errorf("assembler: create group: %w", err)
			}
		case err != nil:
			return fmt.Errorf("assembler: load group: %w", err)
		}

		// Late subband: the group has already left collecting. Dropped
		// with a warning counter per the Open Question resolution — never
		// folded into the dispatched job, never spawns a new one.
		if group.State != store.GroupCollecting {
			if err := txx.Model(&store.ObservationGroup{}).
				Where("group_id = ?", ev.GroupID).
				UpdateColumn("dropped_late_subbands", gorm.Expr("dropped_late_subbands + 1")).Error; err != nil {
				return fmt.Errorf("assembler: record dropped late subband: %w", err)
			}
			a.log.Warn("assembler: dropping late subband for non-collecting group",
				"group_id", ev.GroupID, "subband_idx", ev.SubbandIdx, "state", group.State)
			return nil
		}

		// Step 1: upsert the subband record; a matching existing path is a
		// no-op, satisfying idempotent at-least-once delivery.
		var existing store.SubbandRecord
		findErr := txx.Where("group_id = ? AND subband_idx = ?", ev.GroupID, ev.SubbandIdx).First(&existing).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			rec := store.SubbandRecord{
				GroupID:      ev.GroupID,
				SubbandIdx:   ev.SubbandIdx,
				Path:         ev.Path,
				Size:         ev.Size,
				Mtime:        ev.Mtime,
				DiscoveredAt: time.Now(),
				Stored:       true,
			}
			if err := txx.Create(&rec).Error; err != nil {
				return fmt.Errorf("assembler: create subband record: %w", err)
			}
		case findErr != nil:
			return fmt.Errorf("assembler: load subband record: %w", findErr)
		case existing.Path == ev.Path:
			// no-op: duplicate delivery of the same file.
		default:
			if err := txx.Model(&store.SubbandRecord{}).
				Where("group_id = ? AND subband_idx = ?", ev.GroupID, ev.SubbandIdx).
				Updates(map[string]interface{}{
					"path": ev.Path, "size": ev.Size, "mtime": ev.Mtime, "stored": true,
				}).Error; err != nil {
				return fmt.Errorf("assembler: update subband record: %w", err)
			}
		}

		// Step 3: recompute subbands_present.
		var present int64
		if err := txx.Model(&store.SubbandRecord{}).
			Where("group_id = ? AND stored = true", ev.GroupID).
			Count(&present).Error; err != nil {
			return fmt.Errorf("assembler: count subbands: %w", err)
		}

		updates := map[string]interface{}{
			"subbands_present": present,
			"last_update":      time.Now(),
		}

		// Step 4: subband 0 carries the group's authoritative pointing.
		if ev.SubbandIdx == 0 {
			if ev.PointingRA != nil {
				updates["pointing_ra"] = *ev.PointingRA
			}
			if ev.PointingDec != nil {
				updates["pointing_dec"] = *ev.PointingDec
			}
			if ev.ObservedAt != nil {
				updates["observed_at"] = *ev.ObservedAt
			}
		}

		// Steps 5/6: promote to pending if complete, or semi-complete and
		// aged. Conditioned on state=collecting so a concurrent duplicate
		// transaction can enqueue at most once (idempotence, spec §4.3).
		shouldPromote := int(present) >= a.thresholds.CompleteThreshold
		if !shouldPromote && int(present) >= a.thresholds.EligibleThreshold {
			if time.Since(group.ReceivedAt) >= a.thresholds.SemiCompleteDelay {
				shouldPromote = true
			}
		}
		if shouldPromote {
			updates["state"] = store.GroupPending
		}

		res := txx.Model(&store.ObservationGroup{}).
			Where("group_id = ? AND state = ?", ev.GroupID, store.GroupCollecting).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("assembler: update group: %w", res.Error)
		}

		if shouldPromote && res.RowsAffected > 0 {
			payload := datatypes.JSON([]byte(fmt.Sprintf(`{"group_id":%q}`, ev.GroupID)))
			if _, err := a.q.Enqueue(dbctx.Context{Ctx: ctx.Ctx, Tx: txx}, "process_group", payload, 5); err != nil {
				return fmt.Errorf("assembler: enqueue process_group: %w", err)
			}
		}

		return nil
	})
}

// PromoteAged is the scheduler's semi-complete sweep (spec §4.9 step 3):
// for every collecting group old enough and populated enough, promote it
// exactly as step 6 of Handle would. It is separate from Handle because a
// group can become eligible purely by the passage of time, with no new
// subband arriving to trigger the check.
func (a *Assembler) PromoteAged(ctx dbctx.Context) (int, error) {
	tx := ctx.DB(a.db)
	var groups []store.ObservationGroup
	cutoff := time.Now().Add(-a.thresholds.SemiCompleteDelay)
	if err := tx.WithContext(ctx.Ctx).
		Where("state = ? AND subbands_present >= ? AND received_at <= ?",
			store.GroupCollecting, a.thresholds.EligibleThreshold, cutoff).
		Find(&groups).Error; err != nil {
		return 0, fmt.Errorf("assembler: scan aged groups: %w", err)
	}

	promoted := 0
	for _, g := range groups {
		err := tx.WithContext(ctx.Ctx).Transaction(func(txx *gorm.DB) error {
			res := txx.Model(&store.ObservationGroup{}).
				Where("group_id = ? AND state = ?", g.GroupID, store.GroupCollecting).
				Updates(map[string]interface{}{"state": store.GroupPending, "last_update": time.Now()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			payload := datatypes.JSON([]byte(fmt.Sprintf(`{"group_id":%q}`, g.GroupID)))
			_, err := a.q.Enqueue(dbctx.Context{Ctx: ctx.Ctx, Tx: txx}, "process_group", payload, 5)
			return err
		})
		if err != nil {
			a.log.Error("assembler: promote aged group failed", "group_id", g.GroupID, "err", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// ListFailed returns groups in the terminal failed state, newest first, for
// the operator surface (spec §4.11 GET /v1/groups/failed).
func (a *Assembler) ListFailed(ctx dbctx.Context, limit, offset int) ([]*store.ObservationGroup, error) {
	tx := ctx.DB(a.db)
	var groups []*store.ObservationGroup
	err := tx.WithContext(ctx.Ctx).
		Where("state = ?", store.GroupFailed).
		Order("last_update DESC").
		Limit(limit).Offset(offset).
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("assembler: list failed: %w", err)
	}
	return groups, nil
}
