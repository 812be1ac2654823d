package nets

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ValueFunction scores a window of frames [batch, NCond, 3, H, W] and states
// [batch, NCond, StateSize] with the expected discounted future cost,
// returning [batch, 1].
func ValueFunction(ctx *context.Context, arch Arch, frames, states *Node) *Node {
	h := Encode(ctx.In("encoder"), arch, frames, states, nil)
	return MLP(ctx.In("head"), Flatten(h), arch.Dropout, arch.NHidden, arch.NHidden, 1)
}
