// Package errtax implements the error taxonomy from the stage orchestrator's
// error handling design: every error that crosses a stage boundary is
// classified into one of five kinds so the work queue and orchestrator can
// decide, uniformly, whether to retry.
package errtax

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// Transient errors are I/O timeouts, lock contention, short-lived
	// resource starvation. Always retried per policy.
	Transient Kind = "transient"
	// InputInvalid means preconditions were violated (missing inputs, bad
	// paths). Never retried, surfaced to the operator.
	InputInvalid Kind = "input_invalid"
	// KernelFailure is a structured error from an external numerical
	// kernel. Retried only if the kernel declared itself retryable.
	KernelFailure Kind = "kernel_failure"
	// Contract means a stage's outputs failed validate_outputs. Treated
	// like KernelFailure: retried, then fatal.
	Contract Kind = "contract"
	// Fatal halts the worker outright: store corruption, bad config,
	// unhandled panic.
	Fatal Kind = "fatal"
)

// Classified is an error tagged with its taxonomy kind plus the stage and
// attempt number it occurred on, so the Work Queue and Group can persist a
// useful failure record.
type Classified struct {
	Kind      Kind
	Stage     string
	Attempt   int
	Retryable bool
	Err       error
}

func (c *Classified) Error() string {
	if c == nil || c.Err == nil {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s[%s attempt=%d]: %v", c.Kind, c.Stage, c.Attempt, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// New classifies err under kind for the given stage/attempt. retryable is
// only consulted for KernelFailure; Transient is always retryable,
// InputInvalid and Fatal never are, Contract is retryable until the retry
// policy exhausts its attempts (the orchestrator, not this package, owns
// that exhaustion count).
func New(kind Kind, stage string, attempt int, retryable bool, err error) *Classified {
	switch kind {
	case Transient, Contract:
		retryable = true
	case InputInvalid, Fatal:
		retryable = false
	}
	return &Classified{Kind: kind, Stage: stage, Attempt: attempt, Retryable: retryable, Err: err}
}

// Wrap is a convenience for the common case of classifying a plain error as
// Transient, the default kind for otherwise-unclassified I/O-shaped errors.
func Wrap(stage string, attempt int, err error) *Classified {
	return New(Transient, stage, attempt, true, err)
}

// As extracts a *Classified from err, synthesizing an unclassified Fatal
// wrapper if err was never classified (e.g. a panic recovered upstream).
// The caller's stage/attempt always win over whatever the classifier set,
// since the orchestrator — not the stage — owns the attempt count.
func As(stage string, attempt int, err error) *Classified {
	if err == nil {
		return nil
	}
	var c *Classified
	if errors.As(err, &c) {
		c.Stage = stage
		c.Attempt = attempt
		return c
	}
	return New(Fatal, stage, attempt, false, err)
}

// ShouldRetry answers whether the work queue / orchestrator should re-arm
// an attempt given the classified error and the retry budget already spent.
func ShouldRetry(c *Classified, attemptsSoFar, maxAttempts int) bool {
	if c == nil {
		return false
	}
	if !c.Retryable {
		return false
	}
	return attemptsSoFar < maxAttempts
}
