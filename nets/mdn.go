package nets

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
)

// MinMixtureSigma is the lower bound of the mixture standard deviations.
const MinMixtureSigma = 1e-3

// Mixture is a mixture of diagonal Gaussians for each example.
type Mixture struct {
	// Pi are the mixture weights, [batch, K], summing to 1.
	Pi *Node

	// Mu are the component means, [batch, K, D].
	Mu *Node

	// Sigma are the component standard deviations, [batch, K, D], >= MinMixtureSigma.
	Sigma *Node
}

// MixtureHead maps x [batch, features] through three fully connected blocks of
// width nHidden to a mixture of nMixture Gaussians over outSize dimensions.
func MixtureHead(ctx *context.Context, x *Node, nHidden, nMixture, outSize int, dropoutRate float64) Mixture {
	batch := x.Shape().Dimensions[0]
	for i := 0; i < 3; i++ {
		layerCtx := ctx.In(fmt.Sprintf("fc_%d", i))
		x = layers.Dense(layerCtx, x, true, nHidden)
		x = dropout(layerCtx, x, dropoutRate)
		x = LeakyReLU(x)
	}
	pi := Softmax(layers.Dense(ctx.In("pi"), x, true, nMixture), 1)
	mu := Reshape(layers.Dense(ctx.In("mu"), x, true, nMixture*outSize), batch, nMixture, outSize)
	sigma := SoftplusStable(layers.Dense(ctx.In("sigma"), x, true, nMixture*outSize))
	sigma = Max(sigma, ConstAs(sigma, MinMixtureSigma))
	sigma = Reshape(sigma, batch, nMixture, outSize)
	return Mixture{Pi: pi, Mu: mu, Sigma: sigma}
}

// logSumExp over axis 1 of a rank-2 tensor.
func logSumExp(x *Node) *Node {
	dims := x.Shape().Dimensions
	m := StopGradient(ReduceMax(x, 1))
	shifted := Sub(x, BroadcastToDims(Reshape(m, dims[0], 1), dims...))
	return Add(m, Log(ReduceSum(Exp(shifted), 1)))
}

// NLL is the mean negative log-likelihood of y [batch, D] under the mixture.
func (m Mixture) NLL(y *Node) *Node {
	dims := m.Mu.Shape().Dimensions
	batch, k, d := dims[0], dims[1], dims[2]
	yb := BroadcastToDims(Reshape(y, batch, 1, d), batch, k, d)
	r := Div(Sub(yb, m.Mu), m.Sigma)
	// Per component negative log density: [batch, K].
	nll := MulScalar(ReduceSum(Square(r), 2), 0.5)
	nll = Sub(nll, Log(m.Pi))
	nll = Add(nll, ReduceSum(Log(m.Sigma), 2))
	nll = AddScalar(nll, float64(d)*math.Log(math.Sqrt(2*math.Pi)))
	return ReduceAllMean(Neg(logSumExp(Neg(nll))))
}

// Sample draws one value per example: the component with the Gumbel-max trick,
// then a Gaussian draw from that component.
func (m Mixture) Sample(ctx *context.Context) *Node {
	g := m.Pi.Graph()
	dims := m.Mu.Shape().Dimensions
	batch, k, d := dims[0], dims[1], dims[2]
	u := ctx.RandomUniform(g, m.Pi.Shape())
	u = ClampScalar(u, 1e-10, 1-1e-7)
	gumbel := Neg(Log(Neg(Log(u))))
	component := ArgMax(Add(Log(m.Pi), gumbel), 1, dtypes.Int32)
	// Comparisons have no gradient; the draw is differentiable in Mu and Sigma only.
	oneHot := StopGradient(OneHot(component, k, m.Mu.DType()))
	sel := BroadcastToDims(Reshape(oneHot, batch, k, 1), batch, k, d)
	mu := ReduceSum(Mul(sel, m.Mu), 1)
	sigma := ReduceSum(Mul(sel, m.Sigma), 1)
	eps := ctx.RandomNormal(g, mu.Shape())
	return Add(mu, Mul(eps, sigma))
}

// Quantize replaces each row of z [batch, D] by its nearest row (Euclidean) of
// table [M, D].
func Quantize(z, table *Node) *Node {
	batch, d := z.Shape().Dimensions[0], z.Shape().Dimensions[1]
	m := table.Shape().Dimensions[0]
	zb := BroadcastToDims(Reshape(z, batch, 1, d), batch, m, d)
	tb := BroadcastToDims(Reshape(table, 1, m, d), batch, m, d)
	dist := ReduceSum(Square(Sub(zb, tb)), 2)
	nearest := ArgMax(Neg(dist), 1, dtypes.Int32)
	oneHot := OneHot(nearest, m, z.DType())
	sel := BroadcastToDims(Reshape(oneHot, batch, m, 1), batch, m, d)
	return StopGradient(ReduceSum(Mul(sel, tb), 1))
}
