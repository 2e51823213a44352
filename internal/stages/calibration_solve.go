package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/dsa110/contimg-core/internal/calibration"
	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
)

// unixToMJD converts a wall-clock instant to Modified Julian Date (the
// calibration registry's own time axis, spec §4.6): MJD 40587 is the Unix
// epoch.
func unixToMJD(t time.Time) float64 {
	return float64(t.Unix())/86400.0 + 40587.0
}

// CalibrationSolve derives an ordered calibration table list from a
// measurement set via kernel.CalibrationSolver (spec §6.4 solve_calibration).
type CalibrationSolve struct {
	Solver kernel.CalibrationSolver

	// Registry, if set, durably records every solved table in the
	// Calibration Registry (spec §4.6) so it is independently queryable
	// and reusable by a later apply_list lookup. Nil disables this —
	// the pipeline's own retry/cleanup never depends on it succeeding.
	Registry      *calibration.Registry
	ValidityHours float64 // 0 -> calibration.DefaultBandpassValidityHours
}

func (CalibrationSolve) GetName() string { return "CalibrationSolve" }

func (CalibrationSolve) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyMSPath); !ok || path == "" {
		return missingInput("CalibrationSolve", KeyMSPath)
	}
	return nil
}

func (s CalibrationSolve) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	msPath, _ := sc.GetString(KeyMSPath)
	refAnt, _ := sc.GetString(KeyRefAnt)
	calField, _ := sc.GetString(KeyCalibratorField)
	groupID, _ := sc.GetString(KeyGroupID)

	tables, err := s.Solver.SolveCalibration(ctx, msPath, refAnt, calField)
	if err != nil {
		return sc, kernelFailure("CalibrationSolve", true, fmt.Errorf("solve_calibration: %w", err))
	}

	if s.Registry != nil {
		s.registerTables(ctx, groupID, calField, tables)
	}

	return sc.WithOutputs(map[string]interface{}{KeyCalibrationTables: tables}), nil
}

func (s CalibrationSolve) registerTables(ctx context.Context, groupID, calField string, tables []kernel.CalibrationTable) {
	hours := s.ValidityHours
	if hours <= 0 {
		hours = calibration.DefaultBandpassValidityHours
	}
	now := time.Now()
	startMJD := unixToMJD(now)
	endMJD := unixToMJD(now.Add(time.Duration(hours * float64(time.Hour))))

	for _, table := range tables {
		quality, _ := marshalJSON(table.Quality)
		_, err := s.Registry.Register(dbctx.Context{Ctx: ctx}, calibration.RegisterInput{
			SetName:       groupID,
			Path:          table.Path,
			TableType:     table.TableType,
			OrderIndex:    table.OrderIndex,
			CalField:      calField,
			ValidStartMJD: startMJD,
			ValidEndMJD:   endMJD,
			QualityMetrics: quality,
		})
		if err != nil {
			// Best-effort: the registry is an independent bookkeeping
			// record, not a dependency of this job's own success.
			continue
		}
	}
}

func (CalibrationSolve) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (CalibrationSolve) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	tablesVal, ok := sc.Get(KeyCalibrationTables)
	if !ok {
		return contractFailure("CalibrationSolve", fmt.Errorf("calibration_tables missing from outputs"))
	}
	tables, ok := tablesVal.([]kernel.CalibrationTable)
	if !ok || len(tables) == 0 {
		return contractFailure("CalibrationSolve", fmt.Errorf("calibration_tables empty or wrong type"))
	}
	return nil
}
