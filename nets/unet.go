package nets

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// UNet refines the fused hidden map: a strided downsampling convolution, a
// fully connected bottleneck and a transposed convolution back to the input
// size. The caller adds the result to its input as a residual.
func UNet(ctx *context.Context, arch Arch, h *Node) *Node {
	dims := h.Shape().Dimensions
	batch, hh, hw, nf := dims[0], dims[1], dims[2], dims[3]

	downCtx := ctx.In("down")
	x := Conv2D(downCtx, h, nf, 4, 2, 1)
	x = dropout(downCtx, x, arch.Dropout)
	x = LeakyReLU(x)
	x.AssertDims(batch, hh/2, hw/2, nf)

	flatSize := nf * (hh / 2) * (hw / 2)
	x = Reshape(x, batch, flatSize)
	x = MLP(ctx.In("bottleneck"), x, arch.Dropout, arch.NFeature, flatSize)
	x = dropout(ctx.In("bottleneck"), x, arch.Dropout)
	x = LeakyReLU(x)
	x = Reshape(x, batch, hh/2, hw/2, nf)

	x = Deconv2D(ctx.In("up"), x, nf, 4, 2, 1)
	x.AssertDims(batch, hh, hw, nf)
	return x
}
