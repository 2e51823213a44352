// Package reslock implements the MS advisory lock (spec §5): a Redis
// SET NX PX lease keyed by the canonical measurement-set path, with an
// owner token checked on release so a lock can never be released by
// anyone but its holder — grounded on the teacher's go-redis client
// idiom (internal/clients/redis) generalized from pub/sub to locking.
package reslock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dsa110/contimg-core/internal/platform/logger"
)

var (
	// ErrNotAcquired is returned when the lock could not be acquired
	// within the caller's bound (stage timeout, per spec §5).
	ErrNotAcquired = errors.New("reslock: lock not acquired")
	// ErrNotOwner is returned by Release when the caller's token does not
	// match the current holder (already expired, or held by someone else).
	ErrNotOwner = errors.New("reslock: release token mismatch")
)

const keyPrefix = "reslock:ms:"

// Locker is the MS advisory lock manager. One Locker serves the whole
// daemon; individual locks are distinguished by path.
type Locker struct {
	rdb *redis.Client
	log *logger.Logger
}

func New(rdb *redis.Client, log *logger.Logger) *Locker {
	return &Locker{rdb: rdb, log: log.With("component", "reslock")}
}

// Lock is a held lease: its Token must be presented to Release.
type Lock struct {
	Path  string
	Token string
}

// Acquire attempts SET NX PX on the MS path's key, retrying with a short
// fixed backoff until it wins the lease or ctx is cancelled; ttl is the
// lease's expiry, not a bound on the wait — "lock acquisition
// is transactional and bounded by the stage timeout" (spec §5). Callers
// should derive ctx from the stage's own timeout so this never outlives it.
func (l *Locker) Acquire(ctx context.Context, msPath string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()
	key := keyPrefix + msPath

	const pollInterval = 50 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("reslock: acquire %s: %w", msPath, err)
		}
		if ok {
			return &Lock{Path: msPath, Token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, msPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Held reports whether msPath is currently locked by anyone — used by
// kernel stubs to assert lock discipline in tests without needing the
// actual Lock token.
func (l *Locker) Held(ctx context.Context, msPath string) bool {
	n, err := l.rdb.Exists(ctx, keyPrefix+msPath).Result()
	if err != nil {
		l.log.Warn("reslock: held check failed", "path", msPath, "err", err)
		return false
	}
	return n > 0
}

// Extend pushes the lease deadline out by ttl, conditioned on the caller
// still holding the token — used for long-running kernel calls that
// outlive the original ttl.
func (l *Locker) Extend(ctx context.Context, lock *Lock, ttl time.Duration) error {
	key := keyPrefix + lock.Path
	res, err := extendScript.Run(ctx, l.rdb, []string{key}, lock.Token, int(ttl.Milliseconds())).Result()
	if err != nil {
		return fmt.Errorf("reslock: extend %s: %w", lock.Path, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release deletes the key only if it is still held by this token, via a
// Lua script for atomicity (check-then-delete must not race another
// acquirer that took the key after this token's lease expired).
func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	key := keyPrefix + lock.Path
	res, err := releaseScript.Run(ctx, l.rdb, []string{key}, lock.Token).Result()
	if err != nil {
		return fmt.Errorf("reslock: release %s: %w", lock.Path, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotOwner
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)
