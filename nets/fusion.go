package nets

import (
	"strings"

	"github.com/Noofbiz/worldModel/errs"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Fusion merges two hidden maps of the same shape into one.
//
// A mismatch panics with an errs.ShapeMismatch error while the graph is being
// built; the model turns it back into a returned error.
type Fusion interface {
	Name() string
	Fuse(ctx *context.Context, a, b *Node) *Node
}

// FusionByName returns the fusion policy for "add", "mult" or "concat".
func FusionByName(name string) (Fusion, error) {
	switch strings.ToLower(name) {
	case "", "add":
		return AddFusion{}, nil
	case "mult":
		return MultFusion{}, nil
	case "concat":
		return ConcatFusion{}, nil
	}
	return nil, errs.Configurationf("nets.FusionByName", "unknown combine policy %q", name)
}

func checkSameShape(op string, a, b *Node) {
	if !a.Shape().Equal(b.Shape()) {
		panic(errs.ShapeMismatchf(op, "cannot fuse %s with %s", a.Shape(), b.Shape()))
	}
}

// AddFusion sums the two maps.
type AddFusion struct{}

func (AddFusion) Name() string { return "add" }

func (AddFusion) Fuse(_ *context.Context, a, b *Node) *Node {
	checkSameShape("nets.AddFusion", a, b)
	return Add(a, b)
}

// MultFusion multiplies the two maps element-wise.
type MultFusion struct{}

func (MultFusion) Name() string { return "mult" }

func (MultFusion) Fuse(_ *context.Context, a, b *Node) *Node {
	checkSameShape("nets.MultFusion", a, b)
	return Mul(a, b)
}

// ConcatFusion concatenates the channels and projects them back with a 1x1
// convolution.
type ConcatFusion struct{}

func (ConcatFusion) Name() string { return "concat" }

func (ConcatFusion) Fuse(ctx *context.Context, a, b *Node) *Node {
	checkSameShape("nets.ConcatFusion", a, b)
	channels := a.Shape().Dimensions[a.Rank()-1]
	x := Concatenate([]*Node{a, b}, a.Rank()-1)
	return Conv2D(ctx.In("concat_projection"), x, channels, 1, 1, 0)
}
