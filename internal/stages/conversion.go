package stages

import (
	"context"
	"fmt"

	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
)

// Conversion turns a group's raw subband files into one measurement set
// via kernel.Converter (spec §6.4 convert_group).
type Conversion struct {
	Converter kernel.Converter
}

func (Conversion) GetName() string { return "Conversion" }

func (Conversion) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if _, ok := sc.Get(KeyGroupID); !ok {
		return missingInput("Conversion", KeyGroupID)
	}
	paths, ok := sc.Get(KeySubbandPaths)
	if !ok {
		return missingInput("Conversion", KeySubbandPaths)
	}
	if list, ok := paths.([]string); !ok || len(list) == 0 {
		return missingInput("Conversion", KeySubbandPaths)
	}
	return nil
}

func (c Conversion) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	groupID, _ := sc.GetString(KeyGroupID)
	pathsVal, _ := sc.Get(KeySubbandPaths)
	paths := pathsVal.([]string)

	msPath, err := c.Converter.ConvertGroup(ctx, groupID, paths)
	if err != nil {
		return sc, kernelFailure("Conversion", true, fmt.Errorf("convert_group: %w", err))
	}
	return sc.WithOutputs(map[string]interface{}{KeyMSPath: msPath}), nil
}

func (Conversion) Cleanup(ctx context.Context, sc orchestrator.StageContext) error {
	// convert_group leaves no partial MS behind on failure (spec §6.4
	// postcondition) — nothing for the invoker to clean up.
	return nil
}

func (Conversion) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	path, ok := sc.GetString(KeyMSPath)
	if !ok || path == "" {
		return contractFailure("Conversion", fmt.Errorf("ms_path missing from outputs"))
	}
	return nil
}
