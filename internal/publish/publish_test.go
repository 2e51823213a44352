package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/queue"
	"github.com/dsa110/contimg-core/internal/store"
	"github.com/dsa110/contimg-core/internal/store/testutil"
)

func newPublisher(t *testing.T, publishedRoot string) (*Publisher, *queue.Queue, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	q := queue.New(db, testutil.Logger(t), queue.BackoffPolicy{Base: 0, Max: 0, Jitter: 0})
	p := New(db, testutil.Logger(t), q, nil, publishedRoot, 3, queue.BackoffPolicy{Base: 0, Max: 0, Jitter: 0})
	return p, q, dbc
}

// withJSONDefaults fills the NOT NULL JSONB columns so ad hoc test fixtures
// don't trip the product_records schema's defaults-on-insert-only behavior
// (GORM sends an explicit zero value rather than omitting the column).
func withJSONDefaults(p *store.ProductRecord) *store.ProductRecord {
	p.MetadataJSON = datatypes.JSON([]byte(`{}`))
	p.ParentIDs = datatypes.JSON([]byte(`[]`))
	return p
}

func TestPublisher_FinalizeEnqueuesWhenGateSatisfied(t *testing.T) {
	dir := t.TempDir()
	stagingRoot := filepath.Join(dir, "staging")
	publishedRoot := filepath.Join(dir, "published")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}
	stagePath := filepath.Join(stagingRoot, "image-1.fits")
	if err := os.WriteFile(stagePath, []byte("fits-bytes"), 0o644); err != nil {
		t.Fatalf("write stub artifact: %v", err)
	}

	p, q, dbc := newPublisher(t, publishedRoot)

	product := &store.ProductRecord{
		DataID: "image-1", DataType: "image", BasePath: stagePath, StagePath: stagePath,
		State: store.ProductStaging, QAStatus: store.QAPassed,
		ValidationStatus: store.ValidationValidated, FinalizationStatus: store.FinalizationPending,
		AutoPublishEnabled: true, CreatedAt: time.Now(),
	}
	if err := dbc.Tx.Create(withJSONDefaults(product)).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	if err := p.Finalize(dbc, "image-1"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	item, err := q.Claim(dbc, "worker-1", time.Minute)
	if err != nil || item == nil {
		t.Fatalf("expected a publish work item to be enqueued, claim err=%v item=%v", err, item)
	}
	if item.JobType != JobTypePublish {
		t.Fatalf("expected job_type=publish, got %s", item.JobType)
	}

	if err := p.RunPublishOnce(dbc, item, "worker-1"); err != nil {
		t.Fatalf("RunPublishOnce: %v", err)
	}

	var final store.ProductRecord
	if err := dbc.Tx.First(&final, "data_id = ?", "image-1").Error; err != nil {
		t.Fatalf("load final product: %v", err)
	}
	if final.State != store.ProductPublished {
		t.Fatalf("expected published, got %s (error=%v)", final.State, final.PublishError)
	}
	if final.PublishedPath == nil || *final.PublishedPath == "" {
		t.Fatalf("expected published_path to be set")
	}
	if _, err := os.Stat(*final.PublishedPath); err != nil {
		t.Fatalf("expected published artifact on disk: %v", err)
	}
}

func TestPublisher_FinalizeDoesNotEnqueueWhenGateFails(t *testing.T) {
	dir := t.TempDir()
	p, q, dbc := newPublisher(t, filepath.Join(dir, "published"))

	product := &store.ProductRecord{
		DataID: "image-2", DataType: "image", BasePath: "/staging/image-2.fits", StagePath: "/staging/image-2.fits",
		State: store.ProductStaging, QAStatus: store.QAFailed,
		ValidationStatus: store.ValidationValidated, FinalizationStatus: store.FinalizationPending,
		AutoPublishEnabled: true, CreatedAt: time.Now(),
	}
	if err := dbc.Tx.Create(withJSONDefaults(product)).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	if err := p.Finalize(dbc, "image-2"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	item, err := q.Claim(dbc, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if item != nil {
		t.Fatalf("expected no publish work item when QA failed, got %+v", item)
	}
}

func TestPublisher_RetryAfterMoveFailureEventuallyPublishes(t *testing.T) {
	dir := t.TempDir()
	stagingRoot := filepath.Join(dir, "staging")
	publishedRoot := filepath.Join(dir, "published")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}
	stagePath := filepath.Join(stagingRoot, "image-3.fits")

	p, q, dbc := newPublisher(t, publishedRoot)

	product := &store.ProductRecord{
		DataID: "image-3", DataType: "image", BasePath: stagePath, StagePath: stagePath,
		State: store.ProductStaging, QAStatus: store.QAPassed,
		ValidationStatus: store.ValidationValidated, FinalizationStatus: store.FinalizationFinalized,
		AutoPublishEnabled: true, CreatedAt: time.Now(),
	}
	if err := dbc.Tx.Create(withJSONDefaults(product)).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if err := p.enqueuePublish(dbc, "image-3"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, err := q.Claim(dbc, "worker-1", time.Minute)
	if err != nil || item == nil {
		t.Fatalf("claim: %v", err)
	}

	// First attempt: stage_path does not exist on disk yet, so the move
	// fails (simulated I/O error) — scenario 5's first publish attempt.
	if err := p.RunPublishOnce(dbc, item, "worker-1"); err == nil {
		t.Fatalf("expected first publish attempt to fail")
	}

	var afterFail store.ProductRecord
	if err := dbc.Tx.First(&afterFail, "data_id = ?", "image-3").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if afterFail.State != store.ProductFailed {
		t.Fatalf("expected state=failed after first attempt, got %s", afterFail.State)
	}
	if afterFail.PublishAttempts != 1 {
		t.Fatalf("expected publish_attempts=1, got %d", afterFail.PublishAttempts)
	}
	if afterFail.PublishError == nil || *afterFail.PublishError == "" {
		t.Fatalf("expected publish_error to be recorded")
	}

	// Re-arm: the scheduler's reconciliation step (Publisher.ReconcileFailed)
	// moves a failed product back to staging once its backoff elapses;
	// write the artifact so this second attempt actually succeeds.
	if err := os.WriteFile(stagePath, []byte("fits-bytes"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	reconciled, err := p.ReconcileFailed(dbc)
	if err != nil {
		t.Fatalf("ReconcileFailed: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected ReconcileFailed to re-arm 1 product, got %d", reconciled)
	}

	retryItem, err := q.Claim(dbc, "worker-2", time.Minute)
	if err != nil || retryItem == nil {
		t.Fatalf("claim retry: %v", err)
	}
	if err := p.RunPublishOnce(dbc, retryItem, "worker-2"); err != nil {
		t.Fatalf("RunPublishOnce retry: %v", err)
	}

	var final store.ProductRecord
	if err := dbc.Tx.First(&final, "data_id = ?", "image-3").Error; err != nil {
		t.Fatalf("load final: %v", err)
	}
	if final.State != store.ProductPublished {
		t.Fatalf("expected published after retry, got %s", final.State)
	}
	if final.PublishAttempts != 2 {
		t.Fatalf("expected publish_attempts=2 after the second attempt succeeds (spec scenario 5), got %d", final.PublishAttempts)
	}
	if final.PublishError == nil || *final.PublishError == "" {
		t.Fatalf("expected publish_error to be retained as a historical field per spec scenario 5")
	}
}

func TestPublisher_RetractOnlyFromPublished(t *testing.T) {
	dir := t.TempDir()
	p, _, dbc := newPublisher(t, filepath.Join(dir, "published"))

	product := &store.ProductRecord{
		DataID: "image-4", DataType: "image", BasePath: "/a", StagePath: "/a",
		State: store.ProductStaging, CreatedAt: time.Now(),
	}
	if err := dbc.Tx.Create(withJSONDefaults(product)).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := p.Retract(dbc, "image-4"); err != ErrWrongState {
		t.Fatalf("expected ErrWrongState retracting a staging product, got %v", err)
	}

	if err := dbc.Tx.Model(&store.ProductRecord{}).Where("data_id = ?", "image-4").Update("state", store.ProductPublished).Error; err != nil {
		t.Fatalf("force published: %v", err)
	}
	if err := p.Retract(dbc, "image-4"); err != nil {
		t.Fatalf("Retract: %v", err)
	}

	var final store.ProductRecord
	if err := dbc.Tx.First(&final, "data_id = ?", "image-4").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.State != store.ProductRetracted {
		t.Fatalf("expected retracted, got %s", final.State)
	}
}
