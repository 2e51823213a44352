package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/product"
)

// Imaging produces an image from the calibrated MS via kernel.Imager
// (spec §6.4 image).
type Imaging struct {
	Imager kernel.Imager
	Params map[string]interface{}

	// Products, if set, registers the rendered image in the Product
	// Registry (spec §4.7) under data_type=image, the artifact the rest
	// of the pipeline (Validation, Photometry, the Publish State Machine)
	// tracks by product_data_id. Nil disables this — the pipeline's own
	// retry/cleanup never depends on it succeeding, same as
	// CalibrationSolve.Registry.
	Products           *product.Registry
	AutoPublishEnabled bool
}

func (Imaging) GetName() string { return "Imaging" }

func (Imaging) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyMSPath); !ok || path == "" {
		return missingInput("Imaging", KeyMSPath)
	}
	return nil
}

func (s Imaging) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	msPath, _ := sc.GetString(KeyMSPath)
	imagePath, err := s.Imager.Image(ctx, msPath, s.Params)
	if err != nil {
		return sc, kernelFailure("Imaging", true, fmt.Errorf("image: %w", err))
	}

	outputs := map[string]interface{}{KeyImagePath: imagePath}
	if s.Products != nil {
		groupID, _ := sc.GetString(KeyGroupID)
		dataID := "image-" + groupID
		if s.registerProduct(ctx, sc, dataID, imagePath) {
			outputs[KeyProductDataID] = dataID
		}
	}
	return sc.WithOutputs(outputs), nil
}

// registerProduct records the image as a staging-state product (spec §4.7
// register). Best-effort: a registry failure is not logged and never fails
// the Imaging stage; it only leaves product_data_id out of the outputs.
func (s Imaging) registerProduct(ctx context.Context, sc orchestrator.StageContext, dataID, imagePath string) bool {
	var ra, dec *float64
	if v, ok := sc.Get(KeyPointingRA); ok {
		if f, ok := v.(float64); ok {
			ra = &f
		}
	}
	if v, ok := sc.Get(KeyPointingDec); ok {
		if f, ok := v.(float64); ok {
			dec = &f
		}
	}
	groupID, _ := sc.GetString(KeyGroupID)
	observedAt := time.Now()

	_, err := s.Products.Register(dbctx.Context{Ctx: ctx}, product.RegisterInput{
		DataID:             dataID,
		DataType:           "image",
		BasePath:           imagePath,
		StagePath:          imagePath,
		CreatorStage:       "Imaging",
		JobID:              groupID,
		RA:                 ra,
		Dec:                dec,
		ObservedAt:         &observedAt,
		AutoPublishEnabled: s.AutoPublishEnabled,
	})
	return err == nil
}

func (Imaging) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (Imaging) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyImagePath); !ok || path == "" {
		return contractFailure("Imaging", fmt.Errorf("image_path missing from outputs"))
	}
	return nil
}
