package assembler

import (
	"context"
	"testing"
	"time"

	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/store"
	"github.com/dsa110/contimg-core/internal/store/testutil"
)

func newAssembler(t *testing.T) (*Assembler, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	q := queue.New(db, testutil.Logger(t), queue.DefaultBackoff())
	a := New(db, testutil.Logger(t), q, Thresholds{CompleteThreshold: 16, EligibleThreshold: 12, SemiCompleteDelay: time.Hour})
	return a, dbc
}

func TestAssembler_CompleteGroupPromotesAndEnqueues(t *testing.T) {
	a, dbc := newAssembler(t)
	groupID := "2026-07-30T12:00:00"

	for idx := 0; idx < 16; idx++ {
		ev := SubbandEvent{GroupID: groupID, SubbandIdx: idx, Path: "p", Size: 100, Mtime: time.Now()}
		if err := a.Handle(dbc, ev); err != nil {
			t.Fatalf("Handle(%d): %v", idx, err)
		}
	}

	var g store.ObservationGroup
	if err := dbc.Tx.First(&g, "group_id = ?", groupID).Error; err != nil {
		t.Fatalf("load group: %v", err)
	}
	if g.State != store.GroupPending {
		t.Fatalf("expected pending, got %s", g.State)
	}
	if g.SubbandsPresent != 16 {
		t.Fatalf("expected 16 subbands present, got %d", g.SubbandsPresent)
	}

	var pendingCount int64
	dbc.Tx.Model(&store.WorkQueueItem{}).
		Where("job_type = ? AND state = ?", "process_group", store.QueuePending).Count(&pendingCount)
	if pendingCount != 1 {
		t.Fatalf("expected exactly 1 enqueued process_group item, got %d", pendingCount)
	}
}

func TestAssembler_DuplicateArrivalIsIdempotent(t *testing.T) {
	a, dbc := newAssembler(t)
	groupID := "2026-07-30T13:00:00"
	ev := SubbandEvent{GroupID: groupID, SubbandIdx: 0, Path: "same-path", Size: 100, Mtime: time.Now()}

	if err := a.Handle(dbc, ev); err != nil {
		t.Fatalf("Handle 1: %v", err)
	}
	if err := a.Handle(dbc, ev); err != nil {
		t.Fatalf("Handle 2 (duplicate): %v", err)
	}

	var g store.ObservationGroup
	if err := dbc.Tx.First(&g, "group_id = ?", groupID).Error; err != nil {
		t.Fatalf("load group: %v", err)
	}
	if g.SubbandsPresent != 1 {
		t.Fatalf("expected subbands_present=1 after duplicate delivery, got %d", g.SubbandsPresent)
	}
}

func TestAssembler_LateSubbandDroppedWithWarning(t *testing.T) {
	a, dbc := newAssembler(t)
	groupID := "2026-07-30T14:00:00"

	for idx := 0; idx < 16; idx++ {
		ev := SubbandEvent{GroupID: groupID, SubbandIdx: idx, Path: "p", Size: 100, Mtime: time.Now()}
		if err := a.Handle(dbc, ev); err != nil {
			t.Fatalf("Handle(%d): %v", idx, err)
		}
	}

	// Group is now pending (left collecting). A late arrival for an
	// already-recorded subband index, with a new path, should be dropped,
	// not folded in.
	late := SubbandEvent{GroupID: groupID, SubbandIdx: 5, Path: "late-path", Size: 1, Mtime: time.Now()}
	if err := a.Handle(dbc, late); err != nil {
		t.Fatalf("Handle(late): %v", err)
	}

	var g store.ObservationGroup
	if err := dbc.Tx.First(&g, "group_id = ?", groupID).Error; err != nil {
		t.Fatalf("load group: %v", err)
	}
	if g.State != store.GroupPending {
		t.Fatalf("expected group to remain pending, got %s", g.State)
	}
	if g.DroppedLateSubbands != 1 {
		t.Fatalf("expected dropped_late_subbands=1, got %d", g.DroppedLateSubbands)
	}

	var rec store.SubbandRecord
	err := dbc.Tx.Where("group_id = ? AND subband_idx = ?", groupID, 5).First(&rec).Error
	if err != nil {
		t.Fatalf("load subband 5: %v", err)
	}
	if rec.Path == "late-path" {
		t.Fatalf("late subband must not overwrite the original record")
	}
}

func TestAssembler_SemiCompletePromotesAfterDelay(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	q := queue.New(db, testutil.Logger(t), queue.DefaultBackoff())
	a := New(db, testutil.Logger(t), q, Thresholds{CompleteThreshold: 16, EligibleThreshold: 12, SemiCompleteDelay: 0})

	groupID := "2026-07-30T15:00:00"
	for idx := 0; idx < 12; idx++ {
		ev := SubbandEvent{GroupID: groupID, SubbandIdx: idx, Path: "p", Size: 100, Mtime: time.Now()}
		if err := a.Handle(dbc, ev); err != nil {
			t.Fatalf("Handle(%d): %v", idx, err)
		}
	}

	var g store.ObservationGroup
	if err := dbc.Tx.First(&g, "group_id = ?", groupID).Error; err != nil {
		t.Fatalf("load group: %v", err)
	}
	if g.State != store.GroupPending {
		t.Fatalf("expected semi-complete group (0 delay) to promote to pending, got %s", g.State)
	}
}
