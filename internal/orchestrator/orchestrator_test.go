package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/dsa110/contimg-core/internal/errtax"
	"github.com/dsa110/contimg-core/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	return logger.NewNop()
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return &Orchestrator{log: testLogger(t), tracer: otel.Tracer("orchestrator_test")}
}

type fakeStage struct {
	name         string
	failUntil    int // execute fails on attempts <= failUntil, then succeeds
	attempts     int
	cleanupCalls int
	outputs      map[string]interface{}
	classify     errtax.Kind
}

func (s *fakeStage) GetName() string { return s.name }

func (s *fakeStage) Validate(ctx context.Context, sc StageContext) error { return nil }

func (s *fakeStage) Execute(ctx context.Context, sc StageContext) (StageContext, error) {
	s.attempts++
	if s.attempts <= s.failUntil {
		kind := s.classify
		if kind == "" {
			kind = errtax.Transient
		}
		return sc, errtax.New(kind, s.name, s.attempts, true, errors.New("synthetic failure"))
	}
	return sc.WithOutputs(s.outputs), nil
}

func (s *fakeStage) Cleanup(ctx context.Context, sc StageContext) error {
	s.cleanupCalls++
	return nil
}

func (s *fakeStage) ValidateOutputs(ctx context.Context, sc StageContext) error { return nil }

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, JitterFraction: 0}
}

func TestValidateDAG_RejectsCycle(t *testing.T) {
	defs := []StageDef{
		{Name: "a", Deps: []string{"b"}},
		{Name: "b", Deps: []string{"a"}},
	}
	if _, err := validateDAG(defs); err == nil {
		t.Fatalf("expected cycle to be rejected")
	}
}

func TestValidateDAG_RejectsUnknownDependency(t *testing.T) {
	defs := []StageDef{
		{Name: "a", Deps: []string{"ghost"}},
	}
	if _, err := validateDAG(defs); err == nil {
		t.Fatalf("expected unknown dependency to be rejected")
	}
}

func TestValidateDAG_OrdersByDependencyThenInputOrder(t *testing.T) {
	defs := []StageDef{
		{Name: "c", Deps: []string{"a"}},
		{Name: "b", Deps: []string{"a"}},
		{Name: "a"},
	}
	levels, err := validateDAG(defs)
	if err != nil {
		t.Fatalf("validateDAG: %v", err)
	}
	want := [][]string{{"a"}, {"c", "b"}}
	if len(levels) != len(want) {
		t.Fatalf("got %v, want %v", levels, want)
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("got %v, want %v", levels, want)
		}
		for j := range want[i] {
			if levels[i][j] != want[i][j] {
				t.Fatalf("got %v, want %v", levels, want)
			}
		}
	}
}

func TestOrchestrator_RunStageSucceedsAfterRetries(t *testing.T) {
	o := newTestOrchestrator(t)
	stage := &fakeStage{name: "solve", failUntil: 1, outputs: map[string]interface{}{"k": "v"}}
	def := StageDef{Name: "solve", Stage: stage, Retry: fastRetry()}

	sc := NewStageContext("job-1", nil)
	result, classified := o.runStage(context.Background(), def, "group-1", sc)
	if classified != nil {
		t.Fatalf("expected eventual success, got %v", classified)
	}
	if v, ok := result.GetString("k"); !ok || v != "v" {
		t.Fatalf("expected output k=v to survive, got %v", result.Outputs)
	}
	if stage.cleanupCalls != 1 {
		t.Fatalf("expected exactly one cleanup call (for the one failed attempt), got %d", stage.cleanupCalls)
	}
}

func TestOrchestrator_RunStageExhaustsRetriesAndFails(t *testing.T) {
	o := newTestOrchestrator(t)
	stage := &fakeStage{name: "image", failUntil: 99}
	def := StageDef{Name: "image", Stage: stage, Retry: fastRetry()}

	sc := NewStageContext("job-1", nil)
	_, classified := o.runStage(context.Background(), def, "group-1", sc)
	if classified == nil {
		t.Fatalf("expected stage to exhaust retries and fail")
	}
	if stage.attempts != 3 {
		t.Fatalf("expected exactly MaxAttempts=3 attempts, got %d", stage.attempts)
	}
}

func TestOrchestrator_RunStageNonRetryableFailsImmediately(t *testing.T) {
	o := newTestOrchestrator(t)
	stage := &fakeStage{name: "validate_inputs", failUntil: 99, classify: errtax.InputInvalid}
	def := StageDef{Name: "validate_inputs", Stage: stage, Retry: fastRetry()}

	sc := NewStageContext("job-1", nil)
	_, classified := o.runStage(context.Background(), def, "group-1", sc)
	if classified == nil {
		t.Fatalf("expected immediate failure")
	}
	if stage.attempts != 1 {
		t.Fatalf("input_invalid must not be retried, got %d attempts", stage.attempts)
	}
}
