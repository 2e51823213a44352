package stages

import (
	"context"
	"fmt"

	"github.com/dsa110/contimg-core/internal/kernel"
	"github.com/dsa110/contimg-core/internal/orchestrator"
)

// CrossMatch matches detected sources against external catalogs via
// kernel.CrossMatcher (spec §6.4 crossmatch). Depends on Validation, not
// Imaging directly, per the stage catalog — sources may come from either
// the image path or a prior detection list.
type CrossMatch struct {
	Matcher  kernel.CrossMatcher
	Catalogs []string
}

func (CrossMatch) GetName() string { return "CrossMatch" }

func (CrossMatch) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	_, hasImage := sc.GetString(KeyImagePath)
	_, hasSources := sc.Get(KeyDetectedSources)
	if !hasImage && !hasSources {
		return missingInput("CrossMatch", KeyImagePath+" or "+KeyDetectedSources)
	}
	return nil
}

func (s CrossMatch) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	var sources []string
	if sv, ok := sc.Get(KeyDetectedSources); ok {
		sources, _ = sv.([]string)
	}
	if len(sources) == 0 {
		if imagePath, ok := sc.GetString(KeyImagePath); ok {
			sources = []string{imagePath}
		}
	}

	matches, err := s.Matcher.CrossMatch(ctx, sources, s.Catalogs)
	if err != nil {
		return sc, kernelFailure("CrossMatch", true, fmt.Errorf("crossmatch: %w", err))
	}
	return sc.WithOutputs(map[string]interface{}{KeyCrossMatchResults: matches}), nil
}

func (CrossMatch) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (CrossMatch) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	if _, ok := sc.Get(KeyCrossMatchResults); !ok {
		return contractFailure("CrossMatch", fmt.Errorf("crossmatch_results missing from outputs"))
	}
	return nil
}
