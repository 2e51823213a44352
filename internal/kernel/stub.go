package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Stub is a deterministic, in-memory implementation of every kernel
// interface. It performs no real numerical work — it exists to exercise
// the orchestrator's retry, cleanup, and lock-discipline logic in tests
// without a real CASA/WSClean-class dependency (spec §1 Non-goals).
type Stub struct {
	// ConvertFailures is the number of ConvertGroup calls that fail before
	// one succeeds (0 = always succeeds first try).
	ConvertFailures int32
	convertAttempts int32

	// LockHeld, when non-nil, is consulted by ApplyCalibration: if it
	// returns false for msPath, ApplyCalibration fails as if invoked
	// without holding the MS advisory lock.
	LockHeld func(msPath string) bool
}

var _ Converter = (*Stub)(nil)
var _ CalibrationSolver = (*Stub)(nil)
var _ CalibrationApplier = (*Stub)(nil)
var _ Imager = (*Stub)(nil)
var _ Validator = (*Stub)(nil)
var _ CrossMatcher = (*Stub)(nil)
var _ Photometer = (*Stub)(nil)

func (s *Stub) ConvertGroup(ctx context.Context, groupID string, subbandPaths []string) (string, error) {
	attempt := atomic.AddInt32(&s.convertAttempts, 1)
	if attempt <= atomic.LoadInt32(&s.ConvertFailures) {
		return "", fmt.Errorf("kernel stub: convert_group attempt %d of %d forced failure", attempt, s.ConvertFailures)
	}
	if len(subbandPaths) == 0 {
		return "", fmt.Errorf("kernel stub: convert_group: no subband paths for group %s", groupID)
	}
	return fmt.Sprintf("/ms/%s.ms", groupID), nil
}

func (s *Stub) SolveCalibration(ctx context.Context, msPath, refAnt, calibratorField string) ([]CalibrationTable, error) {
	if msPath == "" {
		return nil, fmt.Errorf("kernel stub: solve_calibration: empty ms_path")
	}
	return []CalibrationTable{
		{TableType: "K", OrderIndex: 0, Path: msPath + ".K0", Quality: map[string]interface{}{"rms": 0.1}},
		{TableType: "BP", OrderIndex: 1, Path: msPath + ".BP0", Quality: map[string]interface{}{"rms": 0.05}},
		{TableType: "GA", OrderIndex: 2, Path: msPath + ".GA0", Quality: map[string]interface{}{"rms": 0.02}},
	}, nil
}

func (s *Stub) ApplyCalibration(ctx context.Context, msPath string, applyList []CalibrationTable) error {
	if s.LockHeld != nil && !s.LockHeld(msPath) {
		return fmt.Errorf("kernel stub: apply_calibration: %s is not lock-held", msPath)
	}
	if len(applyList) == 0 {
		return fmt.Errorf("kernel stub: apply_calibration: empty apply list")
	}
	return nil
}

func (s *Stub) Image(ctx context.Context, msPath string, params map[string]interface{}) (string, error) {
	if msPath == "" {
		return "", fmt.Errorf("kernel stub: image: empty ms_path")
	}
	return msPath + ".image.fits", nil
}

func (s *Stub) ValidateImage(ctx context.Context, imagePath string, catalogRefs []string) (ValidationResult, error) {
	if imagePath == "" {
		return ValidationResult{}, fmt.Errorf("kernel stub: validate_image: empty image_path")
	}
	return ValidationResult{
		Status:     "pass",
		Metrics:    map[string]interface{}{"rms_jy": 0.0002, "dynamic_range": 1000.0},
		ReportPath: imagePath + ".report.png",
	}, nil
}

func (s *Stub) CrossMatch(ctx context.Context, sources []string, catalogs []string) (map[string]interface{}, error) {
	return map[string]interface{}{"matched": len(sources), "catalogs": catalogs}, nil
}

func (s *Stub) Photometry(ctx context.Context, msPath, imagePath string, sourceList []string) ([]map[string]interface{}, error) {
	rows := make([]map[string]interface{}, 0, len(sourceList))
	for _, src := range sourceList {
		rows = append(rows, map[string]interface{}{"source": src, "flux_jy": 0.01})
	}
	return rows, nil
}
