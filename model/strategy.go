package model

import (
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// stepLatent is the latent chosen for one step, with the losses it incurs.
type stepLatent struct {
	z *Node

	// prior is the prior-matching loss of the step (KL or mixture NLL), or nil.
	prior *Node

	// secondary is the action-independence loss of the step, or nil.
	secondary *Node

	// mu and logVar of the VAE posterior, or nil.
	mu, logVar *Node
}

// latentStrategy picks the latent of each rollout step.
type latentStrategy interface {
	latent(ctx *context.Context, step int, frames, states, hx, action *Node) stepLatent
}

// teacherLatent encodes the true next frame (teacher forcing).
type teacherLatent struct {
	m        *Model
	targets  *Node // [B, steps, 3, H, W]
	zDropout float64

	// sample draws the VAE latent with the reparameterisation; otherwise the
	// posterior mean is used.
	sample bool
}

func (s teacherLatent) latent(ctx *context.Context, step int, frames, states, hx, action *Node) stepLatent {
	m := s.m
	arch := m.cfg.Arch
	target := nets.Narrow(s.targets, 1, step, step+1)
	hy := nets.Encode(ctx.In(ScopeTargetEncoder), arch, target, nil, nil)
	joint := m.fusion.Fuse(ctx.In("fuse_target"), hx, hy)

	var out stepLatent
	var replacement *Node
	if m.cfg.Variant.IsVAE() {
		out.mu, out.logVar = nets.GaussianLatentNetwork(ctx.In(ScopeLatentNetwork), arch, joint)
		out.z = out.mu
		if s.sample {
			out.z = nets.Reparameterize(ctx, out.mu, out.logVar)
		}
		if m.cfg.Variant == VAELearnedPrior {
			muP, logVarP := nets.GaussianLatentNetwork(ctx.In(ScopeLatentPrior), arch, hx)
			out.prior = nets.KLGaussians(out.mu, out.logVar, muP, logVarP)
		} else {
			out.prior = nets.KLStandardNormal(out.mu, out.logVar)
		}
		if s.zDropout > 0 {
			replacement = StopGradient(m.priorSample(ctx, hx))
		}
	} else {
		out.z = nets.LatentNetwork(ctx.In(ScopeLatentNetwork), arch, joint)
		if m.cfg.Beta > 0 {
			mix := m.priorMixture(ctx, hx)
			out.prior = mix.NLL(StopGradient(out.z))
		}
		if m.cfg.ActionIndepNet {
			out.secondary = m.actionIndepLoss(ctx, frames, states, action, StopGradient(out.z))
		}
		if s.zDropout > 0 {
			replacement = m.zeroLatent(ctx, hx.Graph(), hx.Shape().Dimensions[0])
		}
	}

	if replacement != nil {
		// A single draw per step: the whole batch keeps or drops its latent.
		g := hx.Graph()
		dtype := out.z.DType()
		u := ctx.RandomUniform(g, shapes.Make(dtype))
		drop := ConvertDType(LessThan(u, Scalar(g, dtype, s.zDropout)), dtype)
		keep := OneMinus(drop)
		out.z = Add(Mul(out.z, keep), Mul(replacement, drop))
		if out.prior != nil {
			out.prior = Mul(out.prior, keep)
		}
	}
	return out
}

// sequenceLatent reads caller supplied latents [B, steps, NZ].
type sequenceLatent struct {
	latents *Node
}

func (s sequenceLatent) latent(_ *context.Context, step int, _, _, hx, _ *Node) stepLatent {
	dims := s.latents.Shape().Dimensions
	z := nets.Narrow(s.latents, 1, step, step+1)
	return stepLatent{z: Reshape(z, dims[0], dims[2])}
}

// pdfLatent samples the learned mixture prior and snaps the draw to the
// nearest row of the latent table.
type pdfLatent struct {
	m     *Model
	table *Node // [M, NZ]
}

func (s pdfLatent) latent(ctx *context.Context, _ int, _, _, hx, _ *Node) stepLatent {
	z := s.m.priorMixture(ctx, hx).Sample(ctx)
	return stepLatent{z: nets.Quantize(z, s.table)}
}

// priorLatent samples the VAE prior.
type priorLatent struct {
	m *Model
}

func (s priorLatent) latent(ctx *context.Context, _ int, _, _, hx, _ *Node) stepLatent {
	return stepLatent{z: s.m.priorSample(ctx, hx)}
}

// zeroLatent uses the learned "no information" latent at every step.
type zeroLatentStrategy struct {
	m *Model
}

func (s zeroLatentStrategy) latent(ctx *context.Context, _ int, _, _, hx, _ *Node) stepLatent {
	return stepLatent{z: s.m.zeroLatent(ctx, hx.Graph(), hx.Shape().Dimensions[0])}
}

// zeroLatent broadcasts the z_zero variable to [batch, NZ].
func (m *Model) zeroLatent(ctx *context.Context, g *Graph, batch int) *Node {
	v := ctx.In(ScopeZeroLatent).VariableWithValue("value", make([]float32, m.cfg.NZ)).SetTrainable(false)
	z := Reshape(v.ValueGraph(g), 1, m.cfg.NZ)
	return BroadcastToDims(z, batch, m.cfg.NZ)
}

// priorMixture is the mixture-density prior p(z | h_x) of the TEN variant.
// It reads a detached h_x so its loss only trains the prior network.
func (m *Model) priorMixture(ctx *context.Context, hx *Node) nets.Mixture {
	arch := m.cfg.Arch
	return nets.MixtureHead(ctx.In(ScopePriorMixture), nets.Flatten(StopGradient(hx)),
		arch.NHidden, arch.NMixture, arch.NZ, arch.Dropout)
}

// priorSample draws from the VAE prior: N(0, I) for the fixed prior, the
// Gaussian predicted from h_x for the learned one.
func (m *Model) priorSample(ctx *context.Context, hx *Node) *Node {
	batch := hx.Shape().Dimensions[0]
	if m.cfg.Variant == VAELearnedPrior {
		mu, logVar := nets.GaussianLatentNetwork(ctx.In(ScopeLatentPrior), m.cfg.Arch, hx)
		return nets.Reparameterize(ctx, mu, logVar)
	}
	return ctx.RandomNormal(hx.Graph(), shapes.Make(dtypes.Float32, batch, m.cfg.NZ))
}

// actionIndepLoss trains two heads on an independent encoding of the window:
// one predicting the latent from the window alone and one from the window and
// the action. The loss is the negative log density of z under each head;
// keeping the two close pushes the latent to carry no action information.
func (m *Model) actionIndepLoss(ctx *context.Context, frames, states, action, z *Node) *Node {
	arch := m.cfg.Arch
	ctx = ctx.In(ScopeActionIndep)
	h := nets.Encode(ctx.In("encoder"), arch, frames, states, nil)
	a := nets.ActionEmbedding(ctx.In("a_encoder"), arch, action)
	muS, sigmaS := gaussianHead(ctx.In("network_s"), arch, h)
	muSA, sigmaSA := gaussianHead(ctx.In("network_sa"), arch, Add(h, a))
	lossS := ReduceAllMean(nets.NegLogPDF(z, muS, sigmaS))
	lossSA := ReduceAllMean(nets.NegLogPDF(z, muSA, sigmaSA))
	return Add(lossS, lossSA)
}

// gaussianHead predicts a diagonal Gaussian (mean and standard deviation)
// over the latent.
func gaussianHead(ctx *context.Context, arch nets.Arch, h *Node) (mu, sigma *Node) {
	x := nets.MLP(ctx, nets.Flatten(h), arch.Dropout, arch.NFeature, arch.NFeature, 2*arch.NZ)
	mu = nets.Narrow(x, 1, 0, arch.NZ)
	sigma = nets.SoftplusStable(nets.Narrow(x, 1, arch.NZ, 2*arch.NZ))
	sigma = AddScalar(sigma, nets.MinMixtureSigma)
	return
}
