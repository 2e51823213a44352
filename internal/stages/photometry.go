package stages

import (
	"context"
	"fmt"

	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/publish"
)

// Photometry extracts flux measurements via kernel.Photometer (spec §6.4
// photometry). image_path is optional — photometry can run from
// visibilities alone.
type Photometry struct {
	Photometer kernel.Photometer

	// Publisher, if set, marks the image's Product Registry entry
	// photometry_status=completed once rows are in (spec §4.8's sixth
	// gating clause). Nil disables this — same best-effort convention as
	// Imaging.Products.
	Publisher *publish.Publisher
}

func (Photometry) GetName() string { return "Photometry" }

func (Photometry) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyMSPath); !ok || path == "" {
		return missingInput("Photometry", KeyMSPath)
	}
	return nil
}

func (s Photometry) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	msPath, _ := sc.GetString(KeyMSPath)
	imagePath, _ := sc.GetString(KeyImagePath)
	sourceListVal, _ := sc.Get(KeySourceList)
	sourceList, _ := sourceListVal.([]string)

	rows, err := s.Photometer.Photometry(ctx, msPath, imagePath, sourceList)
	if err != nil {
		return sc, kernelFailure("Photometry", true, fmt.Errorf("photometry: %w", err))
	}

	if s.Publisher != nil {
		if dataID, ok := sc.GetString(KeyProductDataID); ok && dataID != "" {
			_ = s.Publisher.UpdatePhotometryStatus(dbctx.Context{Ctx: ctx}, dataID, publish.PhotometryCompleted)
		}
	}

	return sc.WithOutputs(map[string]interface{}{KeyPhotometryResults: rows}), nil
}

func (Photometry) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (Photometry) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	if _, ok := sc.Get(KeyPhotometryResults); !ok {
		return contractFailure("Photometry", fmt.Errorf("photometry_results missing from outputs"))
	}
	return nil
}
