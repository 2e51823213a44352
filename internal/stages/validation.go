package stages

import (
	"context"
	"fmt"

	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/publish"
	"github.com/dsa110/contimg-core/internal/store"
)

// Validation scores the image against reference catalogs via
// kernel.Validator (spec §6.4 validate_image).
type Validation struct {
	Validator kernel.Validator

	// Publisher, if set, carries the validation verdict onto the image's
	// Product Registry entry (spec §4.8 update_qa). Nil disables this —
	// same best-effort convention as Imaging.Products.
	Publisher *publish.Publisher
}

func (Validation) GetName() string { return "Validation" }

func (Validation) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyImagePath); !ok || path == "" {
		return missingInput("Validation", KeyImagePath)
	}
	return nil
}

func (s Validation) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	imagePath, _ := sc.GetString(KeyImagePath)
	catalogRefsVal, _ := sc.Get(KeyCatalogRefs)
	catalogRefs, _ := catalogRefsVal.([]string)

	result, err := s.Validator.ValidateImage(ctx, imagePath, catalogRefs)
	if err != nil {
		return sc, kernelFailure("Validation", true, fmt.Errorf("validate_image: %w", err))
	}

	if s.Publisher != nil {
		if dataID, ok := sc.GetString(KeyProductDataID); ok && dataID != "" {
			qaStatus, validationStatus := store.QAFailed, store.ValidationInvalid
			if result.Status == "pass" {
				qaStatus, validationStatus = store.QAPassed, store.ValidationValidated
			}
			// Best-effort: a failed write here is dropped and not retried;
			// the product keeps its previous QA fields, so the scheduler's
			// scan_eligible gate stays closed for it.
			_ = s.Publisher.UpdateQA(dbctx.Context{Ctx: ctx}, dataID, qaStatus, validationStatus)
		}
	}

	return sc.WithOutputs(map[string]interface{}{KeyValidationResults: result}), nil
}

func (Validation) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (Validation) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	resVal, ok := sc.Get(KeyValidationResults)
	if !ok {
		return contractFailure("Validation", fmt.Errorf("validation_results missing from outputs"))
	}
	result, ok := resVal.(kernel.ValidationResult)
	if !ok || result.Status == "" {
		return contractFailure("Validation", fmt.Errorf("validation_results malformed"))
	}
	return nil
}
