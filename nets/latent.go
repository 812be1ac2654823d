package nets

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// MaxLogVar caps the log-variance produced by the Gaussian latent networks.
const MaxLogVar = 4.0

// ExpandLatent projects a latent [batch, NZ] to a hidden map.
func ExpandLatent(ctx *context.Context, arch Arch, z *Node) *Node {
	batch := z.Shape().Dimensions[0]
	x := layers.Dense(ctx, z, true, arch.HiddenSize())
	return Reshape(x, batch, arch.HiddenHeight(), arch.HiddenWidth(), arch.NFeature)
}

// LatentNetwork maps a hidden map to a deterministic latent [batch, NZ].
func LatentNetwork(ctx *context.Context, arch Arch, h *Node) *Node {
	return MLP(ctx, Flatten(h), arch.Dropout, arch.NFeature, arch.NFeature, arch.NZ)
}

// GaussianLatentNetwork maps a hidden map to the mean and (capped)
// log-variance of a diagonal Gaussian over the latent.
func GaussianLatentNetwork(ctx *context.Context, arch Arch, h *Node) (mu, logVar *Node) {
	x := MLP(ctx, Flatten(h), arch.Dropout, arch.NFeature, arch.NFeature, 2*arch.NZ)
	mu = Narrow(x, 1, 0, arch.NZ)
	logVar = Narrow(x, 1, arch.NZ, 2*arch.NZ)
	logVar = Min(logVar, ConstAs(logVar, MaxLogVar))
	return
}

// Reparameterize draws mu + eps*exp(logVar/2) with eps ~ N(0, I).
func Reparameterize(ctx *context.Context, mu, logVar *Node) *Node {
	eps := ctx.RandomNormal(mu.Graph(), mu.Shape())
	return Add(mu, Mul(eps, Exp(MulScalar(logVar, 0.5))))
}

// KLStandardNormal is KL(N(mu, exp(logVar)) || N(0, I)) summed over the latent
// and averaged over the batch: -0.5*sum(1 + logVar - mu^2 - exp(logVar))/batch.
func KLStandardNormal(mu, logVar *Node) *Node {
	batch := float64(mu.Shape().Dimensions[0])
	terms := Sub(Sub(AddScalar(logVar, 1), Square(mu)), Exp(logVar))
	return MulScalar(ReduceAllSum(terms), -0.5/batch)
}

// KLGaussians is KL(N(mu1, exp(logVar1)) || N(mu2, exp(logVar2))) summed over
// the latent and averaged over the batch.
func KLGaussians(mu1, logVar1, mu2, logVar2 *Node) *Node {
	batch := float64(mu1.Shape().Dimensions[0])
	// log(sigma2/sigma1) = (logVar2-logVar1)/2
	logRatio := MulScalar(Sub(logVar2, logVar1), 0.5)
	num := Add(Exp(logVar1), Square(Sub(mu1, mu2)))
	den := MulScalar(Exp(logVar2), 2)
	kld := AddScalar(Add(logRatio, Div(num, den)), -0.5)
	return MulScalar(ReduceAllSum(kld), 1/batch)
}

// NegLogPDF is the negative log density of z under the diagonal Gaussians
// N(mu, sigma^2) up to the constant (d-1)*log(2π)/2, one value per example:
// 0.5*sum(((z-mu)/sigma)^2) + log(2π*prod(sigma)).
func NegLogPDF(z, mu, sigma *Node) *Node {
	r := Div(Sub(z, mu), sigma)
	a := MulScalar(ReduceSum(Square(r), 1), 0.5)
	b := AddScalar(ReduceSum(Log(sigma), 1), math.Log(2*math.Pi))
	return Add(a, b)
}
