package orchestrator

import (
	"context"
	"time"
)

// Stage is one step of a job's pipeline (spec §3.7, §4.5): a contract of
// validate / execute / cleanup / validate_outputs, grounded on the
// teacher's stage-function shape in internal/jobs/orchestrator but made
// synchronous since a job here runs its stages sequentially in one process
// rather than as polled child jobs.
type Stage interface {
	GetName() string

	// Validate checks that the context carries whatever this stage needs
	// before Execute runs. Returning an error here never triggers Cleanup —
	// the stage never started.
	Validate(ctx context.Context, sc StageContext) error

	// Execute runs the stage and returns the context derived from it
	// (normally sc.WithOutputs(...)). An error here is classified by the
	// caller (internal/errtax) to decide whether Cleanup+retry applies.
	Execute(ctx context.Context, sc StageContext) (StageContext, error)

	// Cleanup releases whatever partial state Execute left behind after a
	// failed attempt or a failed ValidateOutputs check. Cleanup errors are
	// logged, never fatal to the retry decision.
	Cleanup(ctx context.Context, sc StageContext) error

	// ValidateOutputs checks the context Execute produced meets this
	// stage's output contract before the orchestrator advances. A failure
	// here is treated exactly like an Execute failure for retry purposes.
	ValidateOutputs(ctx context.Context, sc StageContext) error
}

// StageDef wires a Stage into a job's DAG: its dependencies, its timeout,
// and its retry policy (spec §4.5: "{max_attempts, base_delay, max_delay,
// multiplier, jitter_fraction}", per-stage overridable).
type StageDef struct {
	Name    string
	Stage   Stage
	Deps    []string
	Retry   RetryPolicy
	Timeout time.Duration
}
