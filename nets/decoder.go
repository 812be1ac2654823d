package nets

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Decoded holds the raw decoder outputs for one step.
type Decoded struct {
	// Frame is the raw (pre-residual) image delta, [batch, height', width', 3].
	// It may be larger than the frame size and must be cropped by the caller.
	Frame *Node

	// State is the raw state delta, [batch, StateSize].
	State *Node

	// Cost is the predicted cost pair in [0, 1], [batch, NumCosts].
	Cost *Node
}

// Decode maps a hidden map to the next frame, state delta and costs.
//
// The frame path mirrors the encoder: one transposed convolution per encoder
// stage, each doubling the spatial size. The state and cost heads read a
// reduced (strided convolution) version of the hidden map.
func Decode(ctx *context.Context, arch Arch, h *Node) Decoded {
	dims := h.Shape().Dimensions
	batch := dims[0]

	// Frame path.
	x := h
	maps := arch.FeatureMaps()
	for i := len(maps) - 1; i >= 0; i-- {
		deconvCtx := ctx.In(fmt.Sprintf("deconv_%d", len(maps)-1-i))
		filters := 3
		if i > 0 {
			filters = maps[i-1]
		}
		x = Deconv2D(deconvCtx, x, filters, 4, 2, 1)
		if i > 0 {
			x = dropout(deconvCtx, x, arch.Dropout)
			x = LeakyReLU(x)
		}
	}

	// Reduced hidden map for the state and cost heads.
	reducerCtx := ctx.In("reducer")
	r := Conv2D(reducerCtx, h, arch.NFeature, 4, 2, 1)
	r = dropout(reducerCtx, r, arch.Dropout)
	r = LeakyReLU(r)
	r = Flatten(r)

	cost := MLP(ctx.In("cost"), r, arch.Dropout, arch.NFeature, arch.NFeature, NumCosts)
	cost = Sigmoid(cost)
	state := MLP(ctx.In("state"), r, arch.Dropout, arch.NFeature, arch.NFeature, arch.StateSize)

	cost.AssertDims(batch, NumCosts)
	state.AssertDims(batch, arch.StateSize)
	return Decoded{Frame: x, State: state, Cost: cost}
}
