package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"

	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/reslock"
	"github.com/dsa110/contimg-core/internal/stages"
	"github.com/dsa110/contimg-core/internal/store"
	"github.com/dsa110/contimg-core/internal/store/testutil"
)

// stageDefs builds the nine-stage DAG (spec §4.5) against a kernel.Stub,
// mirroring the wiring internal/services will perform in production.
func stageDefs(stub *kernel.Stub, locker *reslock.Locker) []orchestrator.StageDef {
	fast := orchestrator.RetryPolicy{MaxAttempts: 1, BaseDelay: 0, MaxDelay: 0, Multiplier: 1}
	return []orchestrator.StageDef{
		{Name: "CatalogSetup", Stage: stages.CatalogSetup{}, Retry: fast},
		{Name: "Conversion", Stage: stages.Conversion{Converter: stub}, Deps: []string{"CatalogSetup"}, Retry: fast},
		{Name: "Organization", Stage: stages.Organization{StagingRoot: "/tmp/staging"}, Deps: []string{"Conversion"}, Retry: fast},
		{Name: "CalibrationSolve", Stage: stages.CalibrationSolve{Solver: stub}, Deps: []string{"Organization"}, Retry: fast},
		{Name: "CalibrationApply", Stage: stages.CalibrationApply{Applier: stub, Locker: locker, LockTTL: time.Minute}, Deps: []string{"CalibrationSolve"}, Retry: fast},
		{Name: "Imaging", Stage: stages.Imaging{Imager: stub}, Deps: []string{"CalibrationApply"}, Retry: fast},
		{Name: "Validation", Stage: stages.Validation{Validator: stub}, Deps: []string{"Imaging"}, Retry: fast},
		{Name: "CrossMatch", Stage: stages.CrossMatch{Matcher: stub}, Deps: []string{"Validation"}, Retry: fast},
		{Name: "Photometry", Stage: stages.Photometry{Photometer: stub}, Deps: []string{"Validation"}, Retry: fast},
	}
}

func TestPool_ClaimAndRunDrivesGroupToCompletion(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: db}

	groupID := "workerpool-group-1"
	ra, dec := 180.0, 45.0
	group := &store.ObservationGroup{
		GroupID: groupID, State: store.GroupPending,
		ReceivedAt: time.Now(), LastUpdate: time.Now(),
		ExpectedSubbands: 1, SubbandsPresent: 1,
		PointingRA: &ra, PointingDec: &dec,
	}
	if err := db.Create(group).Error; err != nil {
		t.Fatalf("seed group: %v", err)
	}
	defer db.Exec("DELETE FROM observation_groups WHERE group_id = ?", groupID)

	sb := &store.SubbandRecord{GroupID: groupID, SubbandIdx: 0, Path: "/raw/sb0.fits", Size: 10, Mtime: time.Now(), DiscoveredAt: time.Now()}
	if err := db.Create(sb).Error; err != nil {
		t.Fatalf("seed subband: %v", err)
	}
	defer db.Exec("DELETE FROM subband_records WHERE group_id = ?", groupID)

	q := queue.New(db, log, queue.BackoffPolicy{Base: 0, Max: 0, Jitter: 0})
	id, err := q.Enqueue(dbc, "process_group", datatypes.JSON([]byte(`{"group_id":"`+groupID+`"}`)), 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	defer db.Exec("DELETE FROM work_queue_items WHERE id = ?", id)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := reslock.New(rdb, logger.NewNop())

	stub := &kernel.Stub{}
	orc := orchestrator.New(db, log, "workerpool_test")
	defs := stageDefs(stub, locker)
	procDefaults := ProcessingDefaults{RefAnt: "0", CalibratorField: "3C286", CatalogRefs: []string{"NVSS"}}

	pool := New(db, log, q, orc, defs, procDefaults, 1, time.Hour, time.Minute, nil)
	pool.claimAndRun(context.Background(), 1)

	var reloadedGroup store.ObservationGroup
	if err := db.First(&reloadedGroup, "group_id = ?", groupID).Error; err != nil {
		t.Fatalf("reload group: %v", err)
	}
	if reloadedGroup.State != store.GroupCompleted {
		t.Fatalf("expected group completed, got %s (error=%v)", reloadedGroup.State, reloadedGroup.ErrorMessage)
	}

	var item store.WorkQueueItem
	if err := db.First(&item, "id = ?", id).Error; err != nil {
		t.Fatalf("reload item: %v", err)
	}
	if item.State != store.QueueCompleted {
		t.Fatalf("expected item completed, got %s", item.State)
	}
}

func TestPool_BuildJobInputRejectsMalformedPayload(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: db}
	q := queue.New(db, log, queue.BackoffPolicy{Base: 0, Max: 0, Jitter: 0})

	pool := New(db, log, q, orchestrator.New(db, log, "workerpool_test"), nil, ProcessingDefaults{}, 1, time.Hour, time.Minute, nil)

	item := &store.WorkQueueItem{ID: "fake", Payload: datatypes.JSON([]byte(`not json`))}
	if _, _, err := pool.buildJobInput(dbc, item); err == nil {
		t.Fatalf("expected error decoding malformed payload")
	}
}
