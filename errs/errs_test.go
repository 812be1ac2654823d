package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
)

func TestKindsMatchSentinels(t *testing.T) {
	err := ShapeMismatchf("model.Rollout", "frames: dims %v", []int{1, 2})
	if err == nil {
		t.Fatal("ShapeMismatchf returned nil")
	}
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("%v should match ErrShapeMismatch", err)
	}
	if errors.Is(err, ErrConfiguration) {
		t.Errorf("%v should not match ErrConfiguration", err)
	}

	// Wrapping keeps the kind.
	wrapped := errors.Wrap(err, "planning")
	if !errors.Is(wrapped, ErrShapeMismatch) {
		t.Errorf("errors.Wrap lost the kind: %v", wrapped)
	}
	wrapped2 := fmt.Errorf("outer: %w", wrapped)
	if !errors.Is(wrapped2, ErrShapeMismatch) {
		t.Errorf("fmt.Errorf %%w lost the kind: %v", wrapped2)
	}
}

func TestNumericInstabilityDiagnostics(t *testing.T) {
	err := NumericInstabilityf("model.TrainStep", map[string]any{"step": 3, "loss": "NaN"}, "loss is not finite")
	if !errors.Is(err, ErrNumericInstability) {
		t.Errorf("%v should match ErrNumericInstability", err)
	}
	want := "model.TrainStep: numeric instability: loss is not finite [loss=NaN, step=3]"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestCheckDims(t *testing.T) {
	if err := CheckDims("op", "x", []int{2, 3, 4}, 2, -1, 4); err != nil {
		t.Errorf("wildcard axis: %v", err)
	}
	if err := CheckDims("op", "x", []int{2, 3}, 2, 3, 4); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("rank mismatch: got %v", err)
	}
	if err := CheckDims("op", "x", []int{2, 5, 4}, 2, 3, 4); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("dimension mismatch: got %v", err)
	}
}
