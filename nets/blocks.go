package nets

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// LeakyReLU with slope 0.2.
func LeakyReLU(x *Node) *Node {
	return Max(x, MulScalar(x, 0.2))
}

// ReLU is max(x, 0).
func ReLU(x *Node) *Node {
	return Max(x, ZerosLike(x))
}

// SoftplusStable is log(1+exp(x)), computed as max(x,0) + log(1+exp(-|x|))
// so that it doesn't overflow.
func SoftplusStable(x *Node) *Node {
	return Add(ReLU(x), Log(AddScalar(Exp(Neg(Abs(x))), 1)))
}

// ClampScalar limits x to [lo, hi].
func ClampScalar(x *Node, lo, hi float64) *Node {
	return Min(Max(x, ConstAs(x, lo)), ConstAs(x, hi))
}

// Narrow takes the range [start, end) of x along axis.
//
// It gathers the rows with constant indices instead of slicing: the gradient
// of a Gather is a ScatterSum, which every backend runs, while the gradient
// of Slice needs Pad.
func Narrow(x *Node, axis, start, end int) *Node {
	rank := x.Rank()
	if axis < 0 {
		axis += rank
	}
	dims := x.Shape().Dimensions
	if start < 0 || end > dims[axis] || start >= end {
		panic(fmt.Sprintf("Narrow: range [%d, %d) invalid for axis %d of %s", start, end, axis, x.Shape()))
	}
	if start == 0 && end == dims[axis] {
		return x
	}
	perm := make([]int, 0, rank)
	perm = append(perm, axis)
	for i := range rank {
		if i != axis {
			perm = append(perm, i)
		}
	}
	if axis != 0 {
		x = TransposeAllAxes(x, perm...)
	}
	rows := make([]int32, end-start)
	for i := range rows {
		rows[i] = int32(start + i)
	}
	x = Gather(x, Reshape(Const(x.Graph(), rows), len(rows), 1), true)
	if axis == 0 {
		return x
	}
	inverse := make([]int, rank)
	for i, p := range perm {
		inverse[p] = i
	}
	return TransposeAllAxes(x, inverse...)
}

// dropout is a no-op if rate is 0. Otherwise it drops only while ctx is
// training the graph.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

// Flatten reshapes x to [batch, -1].
func Flatten(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Reshape(x, dims[0], x.Shape().Size()/dims[0])
}

// zeros returns a zero node of x's dtype with the given dimensions.
func zeros(x *Node, dims ...int) *Node {
	return BroadcastToDims(ScalarZero(x.Graph(), x.DType()), dims...)
}

// PadSpatial pads an NHWC image with zeros.
func PadSpatial(x *Node, top, bottom, left, right int) *Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	if top > 0 || bottom > 0 {
		parts := make([]*Node, 0, 3)
		if top > 0 {
			parts = append(parts, zeros(x, b, top, w, c))
		}
		parts = append(parts, x)
		if bottom > 0 {
			parts = append(parts, zeros(x, b, bottom, w, c))
		}
		x = Concatenate(parts, 1)
		h += top + bottom
	}
	if left > 0 || right > 0 {
		parts := make([]*Node, 0, 3)
		if left > 0 {
			parts = append(parts, zeros(x, b, h, left, c))
		}
		parts = append(parts, x)
		if right > 0 {
			parts = append(parts, zeros(x, b, h, right, c))
		}
		x = Concatenate(parts, 2)
	}
	return x
}

// Conv2D is a square convolution with symmetric zero padding on NHWC images.
func Conv2D(ctx *context.Context, x *Node, filters, kernel, stride, padding int) *Node {
	if padding > 0 {
		x = PadSpatial(x, padding, padding, padding, padding)
	}
	return convolve(ctx, x, filters, kernel, stride)
}

// Deconv2D is a transposed convolution on NHWC images, with the output size
// (in-1)*stride - 2*padding + kernel, the same as the usual definition.
//
// It is built as zero insertion between the input pixels, zero padding by
// kernel-1-padding on each border, and a stride 1 convolution.
func Deconv2D(ctx *context.Context, x *Node, filters, kernel, stride, padding int) *Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	if stride > 1 {
		x = Reshape(x, b, h, 1, w, 1, c)
		x = Concatenate([]*Node{x, zeros(x, b, h, stride-1, w, 1, c)}, 2)
		x = Concatenate([]*Node{x, zeros(x, b, h, stride, w, stride-1, c)}, 4)
		x = Reshape(x, b, h*stride, w*stride, c)
	}
	// Zero insertion left stride-1 trailing zeros, they count towards the far
	// border padding.
	near := kernel - 1 - padding
	far := near - (stride - 1)
	if near < 0 || far < 0 {
		panic(fmt.Sprintf("Deconv2D: kernel %d too small for stride %d and padding %d", kernel, stride, padding))
	}
	x = PadSpatial(x, near, far, near, far)
	return convolve(ctx, x, filters, kernel, 1)
}

// convolve is an unpadded convolution of an NHWC image with a
// [kernel, kernel, channels, filters] kernel plus bias, in scope "conv".
//
// Patches are gathered with constant pixel indices (im2col) and multiplied by
// the flattened kernel, so the backward pass is made of ScatterSum, Transpose
// and Dot only.
func convolve(ctx *context.Context, x *Node, filters, kernel, stride int) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	outH, outW := (h-kernel)/stride+1, (w-kernel)/stride+1
	if h < kernel || w < kernel {
		panic(fmt.Sprintf("convolution: image %dx%d smaller than kernel %d", h, w, kernel))
	}

	pixels := TransposeAllAxes(Reshape(x, b, h*w, c), 1, 0, 2)
	indices := make([]int32, 0, outH*outW*kernel*kernel)
	for oy := range outH {
		for ox := range outW {
			for ky := range kernel {
				for kx := range kernel {
					indices = append(indices, int32((oy*stride+ky)*w+ox*stride+kx))
				}
			}
		}
	}
	patches := Gather(pixels, Reshape(Const(g, indices), len(indices), 1))
	patches = Reshape(patches, outH*outW, kernel*kernel, b, c)
	patches = TransposeAllAxes(patches, 2, 0, 1, 3)
	patches = Reshape(patches, b*outH*outW, kernel*kernel*c)

	convCtx := ctx.In("conv")
	weights := convCtx.VariableWithShape("weights", shapes.Make(x.DType(), kernel, kernel, c, filters)).ValueGraph(g)
	biases := convCtx.VariableWithShape("biases", shapes.Make(x.DType(), filters)).ValueGraph(g)
	out := Dot(patches, Reshape(weights, kernel*kernel*c, filters))
	out = Add(out, Reshape(biases, 1, filters))
	return Reshape(out, b, outH, outW, filters)
}

// MLP applies len(sizes) dense layers. Every layer but the last is followed by
// dropout and a LeakyReLU.
func MLP(ctx *context.Context, x *Node, dropoutRate float64, sizes ...int) *Node {
	for i, size := range sizes {
		layerCtx := ctx.In(fmt.Sprintf("fc_%d", i))
		x = layers.Dense(layerCtx, x, true, size)
		if i < len(sizes)-1 {
			x = dropout(layerCtx, x, dropoutRate)
			x = LeakyReLU(x)
		}
	}
	return x
}

// FramesToNHWC converts frames shaped [batch, time, 3, height, width] to a
// channels-last image [batch, height, width, time*3].
func FramesToNHWC(frames *Node) *Node {
	dims := frames.Shape().Dimensions
	b, t, c, h, w := dims[0], dims[1], dims[2], dims[3], dims[4]
	x := Reshape(frames, b, t*c, h, w)
	return TransposeAllAxes(x, 0, 2, 3, 1)
}

// NHWCToFrame converts an image [batch, height, width, 3] to a one step frame
// sequence [batch, 1, 3, height, width].
func NHWCToFrame(x *Node) *Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = TransposeAllAxes(x, 0, 3, 1, 2)
	return Reshape(x, b, 1, c, h, w)
}

// CropNHWC keeps the top-left height x width region.
func CropNHWC(x *Node, height, width int) *Node {
	dims := x.Shape().Dimensions
	if dims[1] == height && dims[2] == width {
		return x
	}
	return Narrow(Narrow(x, 1, 0, height), 2, 0, width)
}
