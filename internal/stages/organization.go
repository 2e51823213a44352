package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dsa110/contimg-core/internal/orchestrator"
)

// Organization has no external kernel collaborator: it relocates the
// measurement set from wherever Conversion left it into the staging root's
// date-hierarchical layout (spec §6.1 — "Staging root: hierarchical by
// date and data type"). It is a crash-safe move (os.Rename, same-volume):
// if the target already exists this is a no-op, and if the source no
// longer exists at the recorded path this is also a no-op (the MS was
// already organized by a prior, since-retried attempt).
type Organization struct {
	StagingRoot string
	Now         func() time.Time
}

func (Organization) GetName() string { return "Organization" }

func (Organization) Validate(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyMSPath); !ok || path == "" {
		return missingInput("Organization", KeyMSPath)
	}
	return nil
}

func (o Organization) Execute(ctx context.Context, sc orchestrator.StageContext) (orchestrator.StageContext, error) {
	msPath, _ := sc.GetString(KeyMSPath)
	groupID, _ := sc.GetString(KeyGroupID)

	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	t := now()
	dest := filepath.Join(o.StagingRoot, t.Format("2006/01/02"), "ms", fmt.Sprintf("%s.ms", groupID))

	if dest == msPath {
		return sc.WithOutputs(map[string]interface{}{KeyMSPath: dest}), nil
	}
	if _, err := os.Stat(dest); err == nil {
		return sc.WithOutputs(map[string]interface{}{KeyMSPath: dest}), nil
	}
	if _, err := os.Stat(msPath); err != nil {
		// Nothing to move — either the stub kernel never materialized a
		// real file, or a prior attempt already organized it. Either way
		// the canonical path is what downstream stages should use.
		return sc.WithOutputs(map[string]interface{}{KeyMSPath: dest}), nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return sc, kernelFailure("Organization", true, fmt.Errorf("mkdir staging dir: %w", err))
	}
	if err := os.Rename(msPath, dest); err != nil {
		return sc, kernelFailure("Organization", true, fmt.Errorf("rename ms into staging: %w", err))
	}
	return sc.WithOutputs(map[string]interface{}{KeyMSPath: dest}), nil
}

func (Organization) Cleanup(ctx context.Context, sc orchestrator.StageContext) error { return nil }

func (Organization) ValidateOutputs(ctx context.Context, sc orchestrator.StageContext) error {
	if path, ok := sc.GetString(KeyMSPath); !ok || path == "" {
		return contractFailure("Organization", fmt.Errorf("ms_path missing from outputs"))
	}
	return nil
}
