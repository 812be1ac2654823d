// Package errs holds the error taxonomy shared by the world-model packages.
//
// Every error carries a Kind. Callers match kinds with errors.Is against the
// exported sentinels, e.g.:
//
//	if errors.Is(err, errs.ErrShapeMismatch) { ... }
//
// Errors wrapped with github.com/pkg/errors or fmt.Errorf("%w") still match,
// since both implement Unwrap.
package errs

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	// Configuration is returned for invalid hyper-parameters, unknown variant
	// names or a missing prerequisite (e.g. uncalibrated uncertainty statistics).
	Configuration Kind = iota + 1

	// NumericInstability is returned when a loss or prediction is not finite.
	NumericInstability

	// ShapeMismatch is returned when tensors handed to an operation disagree on
	// their dimensions.
	ShapeMismatch

	// EmptyDistribution is returned when sampling from an empty latent table
	// or a neighbor index that was never built.
	EmptyDistribution
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration error"
	case NumericInstability:
		return "numeric instability"
	case ShapeMismatch:
		return "shape mismatch"
	case EmptyDistribution:
		return "empty distribution"
	}
	return fmt.Sprintf("errs.Kind(%d)", int(k))
}

// Error is the concrete error type for every Kind.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "model.Rollout".
	Op string

	// Msg is the human readable detail.
	Msg string

	// Diagnostics holds optional values useful for debugging, e.g. the step
	// index and loss components for NumericInstability.
	Diagnostics map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if len(e.Diagnostics) > 0 {
		keys := make([]string, 0, len(e.Diagnostics))
		for k := range e.Diagnostics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Diagnostics[k])
		}
		sb.WriteString("]")
	}
	return sb.String()
}

// Is reports whether target is an *Error of the same Kind. It makes the
// sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels, to be used with errors.Is.
var (
	ErrConfiguration      = &Error{Kind: Configuration}
	ErrNumericInstability = &Error{Kind: NumericInstability}
	ErrShapeMismatch      = &Error{Kind: ShapeMismatch}
	ErrEmptyDistribution  = &Error{Kind: EmptyDistribution}
)

// Configurationf creates a Configuration error.
func Configurationf(op, format string, args ...any) error {
	return &Error{Kind: Configuration, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ShapeMismatchf creates a ShapeMismatch error.
func ShapeMismatchf(op, format string, args ...any) error {
	return &Error{Kind: ShapeMismatch, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// EmptyDistributionf creates an EmptyDistribution error.
func EmptyDistributionf(op, format string, args ...any) error {
	return &Error{Kind: EmptyDistribution, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NumericInstabilityf creates a NumericInstability error carrying diagnostics.
func NumericInstabilityf(op string, diagnostics map[string]any, format string, args ...any) error {
	return &Error{Kind: NumericInstability, Op: op, Msg: fmt.Sprintf(format, args...), Diagnostics: diagnostics}
}

// CheckDims returns a ShapeMismatch error if got differs from want. A negative
// value in want matches any size on that axis.
func CheckDims(op, name string, got []int, want ...int) error {
	if len(got) != len(want) {
		return ShapeMismatchf(op, "%s: rank %d (dims %v), wanted rank %d (dims %v)", name, len(got), got, len(want), want)
	}
	for i, w := range want {
		if w >= 0 && got[i] != w {
			return ShapeMismatchf(op, "%s: dims %v, wanted %v", name, got, want)
		}
	}
	return nil
}
