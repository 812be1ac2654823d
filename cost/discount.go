package cost

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// DiscountWeights returns gamma^t for t in [0, n).
func DiscountWeights(n int, gamma float64) []float32 {
	w := make([]float32, n)
	for t := range w {
		w[t] = float32(math.Pow(gamma, float64(t)))
	}
	return w
}

// DiscountMask is DiscountWeights as a graph constant of the given dtype.
func DiscountMask(g *Graph, dtype dtypes.DType, n int, gamma float64) *Node {
	return ConvertDType(Const(g, DiscountWeights(n, gamma)), dtype)
}

// DiscountedMean weights per-step costs [batch, steps] by gamma^t and averages
// over batch and steps.
func DiscountedMean(costs *Node, gamma float64) *Node {
	dims := costs.Shape().Dimensions
	mask := DiscountMask(costs.Graph(), costs.DType(), dims[1], gamma)
	mask = BroadcastToDims(Reshape(mask, 1, dims[1]), dims...)
	return ReduceAllMean(Mul(costs, mask))
}

// UncertaintyPenalty is ReLU((variance - mean)/std - hinge), where variance is
// [batch, steps] and mean/std are calibrated per step, [steps].
func UncertaintyPenalty(variance *Node, mean, std []float32, hinge float64) *Node {
	g := variance.Graph()
	dims := variance.Shape().Dimensions
	m := BroadcastToDims(Reshape(ConvertDType(Const(g, mean), variance.DType()), 1, dims[1]), dims...)
	s := BroadcastToDims(Reshape(ConvertDType(Const(g, std), variance.DType()), 1, dims[1]), dims...)
	z := AddScalar(Div(Sub(variance, m), s), -hinge)
	return Max(z, ZerosLike(z))
}
