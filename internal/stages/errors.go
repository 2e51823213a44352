package stages

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/dsa110/contimg-core/internal/errtax"
)

// marshalJSON converts an arbitrary in-memory value into a datatypes.JSON
// column value, used for the loosely-typed quality/metadata maps stages
// pass through to durable records. A marshal failure yields an empty JSON
// object together with the error, so a caller that ignores the error still
// gets a valid column value — these fields are diagnostic, never load
// bearing for pipeline correctness.
func marshalJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON([]byte("{}")), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}")), err
	}
	return datatypes.JSON(b), nil
}

// missingInput builds the InputInvalid error every stage's Validate
// returns when a required context key is absent — never retried, per
// spec §7.
func missingInput(stageName, key string) error {
	return errtax.New(errtax.InputInvalid, stageName, 0, false, fmt.Errorf("missing required input %q", key))
}

// kernelFailure wraps an external kernel's error. retryable mirrors
// whatever the kernel itself declared (spec §6.4: "the kernel is
// responsible for ... retryable").
func kernelFailure(stageName string, retryable bool, err error) error {
	return errtax.New(errtax.KernelFailure, stageName, 0, retryable, err)
}

// contractFailure wraps a validate_outputs failure.
func contractFailure(stageName string, err error) error {
	return errtax.New(errtax.Contract, stageName, 0, true, err)
}
