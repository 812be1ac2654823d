package nets

import (
	"github.com/Noofbiz/worldModel/errs"
)

// panicShape panics with an errs.ShapeMismatch error, used while building graphs.
func panicShape(op, name string, got []int, want ...int) {
	if err := errs.CheckDims(op, name, got, want...); err != nil {
		panic(err)
	}
	panic(errs.ShapeMismatchf(op, "%s: unexpected dims %v", name, got))
}
