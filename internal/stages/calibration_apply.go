package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/reslock"
)

// CalibrationApply mutates the MS in place under the MS advisory lock
// (spec §5, §6.4 apply_calibration). The lock is acquired and released
// entirely within Execute — its lifetime never crosses a stage boundary.
type CalibrationApply struct {
	Applier    kernel.CalibrationApplier
	Locker     *reslock.Locker
	LockTTL    time.Duration
}

func (CalibrationApply) GetName() string { return "CalibrationApply" }

func (CalibrationApply) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyMSPath); !ok || path == "" {
		return missingInput("CalibrationApply", KeyMSPath)
	}
	if _, ok := sc.Get(KeyCalibrationTables); !ok {
		return missingInput("CalibrationApply", KeyCalibrationTables)
	}
	return nil
}

func (a CalibrationApply) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	msPath, _ := sc.GetString(KeyMSPath)
	tablesVal, _ := sc.Get(KeyCalibrationTables)
	tables, _ := tablesVal.([]kernel.CalibrationTable)

	ttl := a.LockTTL
	if ttl == 0 {
		ttl = 2 * time.Minute
	}

	lock, err := a.Locker.Acquire(ctx, msPath, ttl)
	if err != nil {
		return sc, kernelFailure("CalibrationApply", true, fmt.Errorf("acquire ms lock: %w", err))
	}
	defer func() {
		if releaseErr := a.Locker.Release(ctx, lock); releaseErr != nil {
			// best-effort: the lease will expire on its own even if this fails.
			_ = releaseErr
		}
	}()

	if err := a.Applier.ApplyCalibration(ctx, msPath, tables); err != nil {
		return sc, kernelFailure("CalibrationApply", true, fmt.Errorf("apply_calibration: %w", err))
	}
	return sc.WithOutputs(map[string]interface{}{KeyMSPath: msPath}), nil
}

func (CalibrationApply) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (CalibrationApply) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyMSPath); !ok || path == "" {
		return contractFailure("CalibrationApply", fmt.Errorf("ms_path missing from outputs"))
	}
	return nil
}
