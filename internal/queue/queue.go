// Package queue implements the Work Queue (spec §3.3, §4.4): transactional
// enqueue/claim/heartbeat/complete/fail with at-most-one-worker leasing.
package queue

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dsa110/contimg-core/internal/errtax"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
	"github.com/dsa110/contimg-core/internal/store"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("queue: item not found")
var ErrLeaseOwnerMismatch = errors.New("queue: lease owner mismatch")

type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the computed delay, e.g. 0.2
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

// Compute returns the delay before retryCount-th retry, exponential with
// jitter, grounded on the teacher's orchestrator backoff shape. Exported so
// other packages with their own bounded-retry record (e.g. internal/publish's
// failed->staging reconciliation) can reuse the same shape instead of
// reimplementing it.
func (b BackoffPolicy) Compute(retryCount int) time.Duration {
	d := float64(b.Base) * math.Pow(2, float64(retryCount))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	jitter := d * b.Jitter * (rand.Float64()*2 - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

type Queue struct {
	db      *gorm.DB
	log     *logger.Logger
	backoff BackoffPolicy
}

func New(db *gorm.DB, log *logger.Logger, backoff BackoffPolicy) *Queue {
	return &Queue{db: db, log: log.With("component", "queue"), backoff: backoff}
}

// Enqueue inserts a new pending item, transactionally.
func (q *Queue) Enqueue(dbc dbctx.Context, jobType string, payload datatypes.JSON, maxRetries int) (string, error) {
	tx := dbc.DB(q.db)
	id := uuid.New().String()
	item := &store.WorkQueueItem{
		ID:            id,
		JobType:       jobType,
		Payload:       payload,
		State:         store.QueuePending,
		RetryCount:    0,
		MaxRetries:    maxRetries,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := tx.WithContext(dbc.Ctx).Create(item).Error; err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically selects the oldest eligible pending item ordered by
// (next_attempt_at, id) and transitions it to in_progress under the
// owner's lease, grounded directly on the teacher's ClaimNextRunnable
// SELECT ... FOR UPDATE SKIP LOCKED pattern.
func (q *Queue) Claim(dbc dbctx.Context, owner string, leaseDuration time.Duration) (*store.WorkQueueItem, error) {
	tx := dbc.DB(q.db)
	now := time.Now()
	var claimed *store.WorkQueueItem
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var item store.WorkQueueItem
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND next_attempt_at <= ?", store.QueuePending, now).
			Order("next_attempt_at ASC, id ASC").
			Limit(1).
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deadline := now.Add(leaseDuration)
		uErr := txx.Model(&store.WorkQueueItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"state":          store.QueueInProgress,
				"lease_owner":    owner,
				"lease_deadline": deadline,
				"updated_at":     now,
			}).Error
		if uErr != nil {
			return uErr
		}
		item.State = store.QueueInProgress
		item.LeaseOwner = &owner
		item.LeaseDeadline = &deadline
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return claimed, nil
}

// Heartbeat extends the lease deadline; fails if the owner does not match
// the current lease holder.
func (q *Queue) Heartbeat(dbc dbctx.Context, id, owner string, leaseDuration time.Duration) error {
	tx := dbc.DB(q.db)
	now := time.Now()
	res := tx.WithContext(dbc.Ctx).Model(&store.WorkQueueItem{}).
		Where("id = ? AND state = ? AND lease_owner = ?", id, store.QueueInProgress, owner).
		Updates(map[string]interface{}{
			"lease_deadline": now.Add(leaseDuration),
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("queue: heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseOwnerMismatch
	}
	return nil
}

// Complete marks an in-progress item completed, conditioned on owner match.
func (q *Queue) Complete(dbc dbctx.Context, id, owner string) error {
	tx := dbc.DB(q.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.WorkQueueItem{}).
		Where("id = ? AND state = ? AND lease_owner = ?", id, store.QueueInProgress, owner).
		Updates(map[string]interface{}{
			"state":      store.QueueCompleted,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("queue: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseOwnerMismatch
	}
	return nil
}

// Fail records a failed attempt. If the classified error is retryable and
// the retry budget is not exhausted, the item is re-armed with an
// exponential backoff delay; otherwise it is dead-lettered.
func (q *Queue) Fail(dbc dbctx.Context, id, owner string, classified *errtax.Classified) error {
	tx := dbc.DB(q.db)
	now := time.Now()
	var current store.WorkQueueItem
	if err := tx.WithContext(dbc.Ctx).
		Where("id = ? AND state = ? AND lease_owner = ?", id, store.QueueInProgress, owner).
		First(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLeaseOwnerMismatch
		}
		return fmt.Errorf("queue: fail: load: %w", err)
	}

	errMsg := classified.Error()
	kind := string(classified.Kind)
	updates := map[string]interface{}{
		"last_error":      errMsg,
		"kind_of_failure": kind,
		"updated_at":      now,
	}

	retryCount := current.RetryCount + 1
	if errtax.ShouldRetry(classified, current.RetryCount, current.MaxRetries) {
		updates["state"] = store.QueuePending
		updates["retry_count"] = retryCount
		updates["next_attempt_at"] = now.Add(q.backoff.Compute(current.RetryCount))
		updates["lease_owner"] = nil
		updates["lease_deadline"] = nil
	} else {
		updates["state"] = store.QueueDead
		updates["retry_count"] = retryCount
	}

	res := tx.WithContext(dbc.Ctx).Model(&store.WorkQueueItem{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queue: fail: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseOwnerMismatch
	}
	return nil
}

// ReclaimExpired reverts every in_progress item whose lease has expired
// back to pending, incrementing retry_count as if a failure occurred — the
// lease-expiry safety net described in spec §5.
func (q *Queue) ReclaimExpired(dbc dbctx.Context) (int64, error) {
	tx := dbc.DB(q.db)
	now := time.Now()
	res := tx.WithContext(dbc.Ctx).Model(&store.WorkQueueItem{}).
		Where("state = ? AND lease_deadline < ?", store.QueueInProgress, now).
		Updates(map[string]interface{}{
			"state":           store.QueuePending,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"next_attempt_at": now,
			"lease_owner":     nil,
			"lease_deadline":  nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: reclaim_expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeadLettered returns dead items, newest first, paginated.
func (q *Queue) DeadLettered(dbc dbctx.Context, limit, offset int) ([]*store.WorkQueueItem, error) {
	tx := dbc.DB(q.db)
	var items []*store.WorkQueueItem
	err := tx.WithContext(dbc.Ctx).
		Where("state = ?", store.QueueDead).
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("queue: dead_lettered: %w", err)
	}
	return items, nil
}

// Requeue resets a dead item back to pending with a fresh retry budget, for
// operator-triggered recovery (HTTP control surface §4.11).
func (q *Queue) Requeue(dbc dbctx.Context, id string) error {
	tx := dbc.DB(q.db)
	res := tx.WithContext(dbc.Ctx).Model(&store.WorkQueueItem{}).
		Where("id = ? AND state = ?", id, store.QueueDead).
		Updates(map[string]interface{}{
			"state":           store.QueuePending,
			"retry_count":     0,
			"next_attempt_at": time.Now(),
			"last_error":      nil,
			"kind_of_failure": nil,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("queue: requeue: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
