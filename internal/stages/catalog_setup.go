package stages

import (
	"context"
	"fmt"

	"github.com/dsa110/contimg-core/internal/orchestrator"
)

// CatalogSetup has no external kernel collaborator: it simply confirms a
// pointing has usable coordinates before Conversion runs, recording a
// status string other stages and operators can inspect.
type CatalogSetup struct{}

func (CatalogSetup) GetName() string { return "CatalogSetup" }

func (CatalogSetup) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if _, ok := sc.Get(KeyPointingRA); !ok {
		return missingInput("CatalogSetup", KeyPointingRA)
	}
	if _, ok := sc.Get(KeyPointingDec); !ok {
		return missingInput("CatalogSetup", KeyPointingDec)
	}
	return nil
}

func (CatalogSetup) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	ra, _ := sc.Get(KeyPointingRA)
	dec, _ := sc.Get(KeyPointingDec)
	return sc.WithOutputs(map[string]interface{}{
		KeyCatalogSetupState: fmt.Sprintf("ready(ra=%v,dec=%v)", ra, dec),
	}), nil
}

func (CatalogSetup) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (CatalogSetup) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	if _, ok := sc.Get(KeyCatalogSetupState); !ok {
		return contractFailure("CatalogSetup", fmt.Errorf("catalog_setup_status missing from outputs"))
	}
	return nil
}
