package nets

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Encode maps a window of nInputs frames and states into the hidden map
// [batch, HiddenHeight, HiddenWidth, NFeature].
//
//   - frames: [batch, nInputs, 3, Height, Width]
//   - states: [batch, nInputs, StateSize], or nil to skip the state branch.
//   - actions: [batch, NActions], or nil to skip the action branch.
//
// The state and action branches are projected to the hidden size and fused
// into the frame features with the architecture's fusion policy.
func Encode(ctx *context.Context, arch Arch, frames, states, actions *Node) *Node {
	fusion, err := FusionByName(arch.Combine)
	if err != nil {
		panic(err)
	}
	dims := frames.Shape().Dimensions
	batch, nInputs := dims[0], dims[1]
	if dims[2] != 3 || dims[3] != arch.Height || dims[4] != arch.Width {
		panicShape("nets.Encode", "frames", dims, batch, nInputs, 3, arch.Height, arch.Width)
	}

	x := FramesToNHWC(frames)
	maps := arch.FeatureMaps()
	for i, filters := range maps {
		convCtx := ctx.In(fmt.Sprintf("conv_%d", i))
		x = Conv2D(convCtx, x, filters, 4, 2, 1)
		if i < len(maps)-1 {
			x = dropout(convCtx, x, arch.Dropout)
			x = LeakyReLU(x)
		}
	}
	hh, hw := arch.HiddenHeight(), arch.HiddenWidth()
	x.AssertDims(batch, hh, hw, arch.NFeature)

	if states != nil {
		sd := states.Shape().Dimensions
		if len(sd) != 3 || sd[0] != batch || sd[1] != nInputs || sd[2] != arch.StateSize {
			panicShape("nets.Encode", "states", sd, batch, nInputs, arch.StateSize)
		}
		s := Reshape(states, batch, nInputs*arch.StateSize)
		s = MLP(ctx.In("states"), s, arch.Dropout, arch.NFeature, arch.NFeature, arch.HiddenSize())
		s = Reshape(s, batch, hh, hw, arch.NFeature)
		x = fusion.Fuse(ctx.In("fuse_states"), x, s)
	}
	if actions != nil {
		a := ActionEmbedding(ctx.In("actions"), arch, actions)
		x = fusion.Fuse(ctx.In("fuse_actions"), x, a)
	}
	return x
}

// ActionEmbedding projects actions [batch, NActions] to a hidden map.
func ActionEmbedding(ctx *context.Context, arch Arch, actions *Node) *Node {
	ad := actions.Shape().Dimensions
	if len(ad) != 2 || ad[1] != arch.NActions {
		panicShape("nets.ActionEmbedding", "actions", ad, -1, arch.NActions)
	}
	a := MLP(ctx, actions, arch.Dropout, arch.NFeature, arch.NFeature, arch.HiddenSize())
	return Reshape(a, ad[0], arch.HiddenHeight(), arch.HiddenWidth(), arch.NFeature)
}
