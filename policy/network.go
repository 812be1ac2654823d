package policy

import (
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Scope holds the policy variables in the model context, one sub-scope per
// kind.
const Scope = "policy"

// StepState is threaded from one policy step to the next.
type StepState struct {
	// Step is the index of the next step.
	Step int

	// Latent [B, ContextDim] of the current segment, nil before the first
	// draw.
	Latent *Node
}

// resample reports whether the step starts a new latent segment.
func (st StepState) resample(every int) bool {
	return st.Latent == nil || st.Step%every == 0
}

// LatentInputs feed the latents of the latent-conditioned policies. With
// targets the latent of each segment is inferred from its frames; without,
// TEN latents come from Sampled and VAE latents from the learned prior.
type LatentInputs struct {
	// TargetFrames [B, steps, 3, H, W] and TargetStates [B, steps, StateSize].
	TargetFrames, TargetStates *Node

	// Sampled [B, segments, ContextDim].
	Sampled *Node
}

// Output is one policy step.
type Output struct {
	// Action [B, NActions]: sampled or the mean, depending on the call.
	Action *Node

	// Mu and Std [B, NActions] of the Gaussian kinds.
	Mu, Std *Node

	// Mixture of the MDN kind.
	Mixture nets.Mixture

	// KL of the VAE posterior to its prior, at the steps inferring a latent
	// from targets.
	KL *Node

	// Latent inferred at this step from targets, nil otherwise.
	Latent *Node
}

// Step evaluates the policy on a window (frames [B, NCond, 3, H, W], states
// [B, NCond, StateSize]). With sample the Gaussian kinds draw the action with
// its noise scaled by stdMult and the MDN kind draws from its mixture;
// otherwise the mean action is returned.
func (p *Policy) Step(ctx *context.Context, frames, states *Node, st StepState, in LatentInputs, sample bool, stdMult float64) (Output, StepState) {
	const op = "policy.Step"
	ctx = ctx.In(Scope).In(string(p.cfg.Kind))
	arch := p.arch
	batch := frames.Shape().Dimensions[0]
	nActions := arch.NActions

	hx := nets.Encode(ctx.In("encoder"), arch, frames, states, nil)
	hx = layers.Dense(ctx.In("proj"), nets.Flatten(hx), true, p.cfg.NHidden)

	var out Output
	h := hx
	if p.cfg.Kind.HasLatent() {
		if st.resample(p.cfg.ActionsSubsample) {
			st.Latent, out = p.drawLatent(ctx, op, hx, st, in)
		}
		z := st.Latent
		if p.cfg.LatentDropout > 0 && ctx.IsTraining(frames.Graph()) {
			g := frames.Graph()
			u := ctx.RandomUniform(g, shapes.Make(z.DType()))
			keep := ConvertDType(GreaterOrEqual(u, Scalar(g, z.DType(), p.cfg.LatentDropout)), z.DType())
			z = Mul(z, BroadcastToDims(keep, z.Shape().Dimensions...))
		}
		h = Add(h, nets.MLP(ctx.In("z_exp"), z, 0, p.cfg.NHidden, p.cfg.NHidden, p.cfg.NHidden))
	}

	switch p.cfg.Kind {
	case Deterministic:
		out.Action = nets.MLP(ctx.In("fc"), h, 0, p.cfg.NHidden, p.cfg.NHidden, p.cfg.NHidden, nActions)
	case MDN:
		out.Mixture = nets.MixtureHead(ctx.In("mdn"), h, p.cfg.NHidden, p.cfg.NMixture, nActions, 0)
		if sample {
			out.Action = out.Mixture.Sample(ctx)
		} else {
			weights := BroadcastToDims(InsertAxes(out.Mixture.Pi, -1), out.Mixture.Mu.Shape().Dimensions...)
			out.Action = ReduceSum(Mul(weights, out.Mixture.Mu), 1)
		}
	default:
		h = nets.MLP(ctx.In("fc"), h, 0, p.cfg.NHidden, p.cfg.NHidden, p.cfg.NHidden, p.cfg.NHidden)
		out.Mu = layers.Dense(ctx.In("mu"), h, true, nActions)
		logVar := layers.Dense(ctx.In("logvar"), h, true, nActions)
		logVar = Min(logVar, ConstAs(logVar, nets.MaxLogVar))
		out.Std = Exp(MulScalar(logVar, 0.5))
		out.Action = out.Mu
		if sample {
			eps := ctx.RandomNormal(frames.Graph(), out.Mu.Shape())
			out.Action = Add(out.Mu, MulScalar(Mul(eps, out.Std), stdMult))
		}
	}
	out.Action.AssertDims(batch, nActions)
	st.Step++
	return out, st
}

// drawLatent returns the latent of the segment starting at st.Step.
func (p *Policy) drawLatent(ctx *context.Context, op string, hx *Node, st StepState, in LatentInputs) (*Node, Output) {
	var out Output
	k, dim := p.cfg.ActionsSubsample, p.cfg.ContextDim
	batch := hx.Shape().Dimensions[0]

	var muPrior, logVarPrior *Node
	if p.cfg.Kind == VAE {
		muPrior, logVarPrior = gaussianSplit(nets.MLP(ctx.In("fc_z_prior"), hx, 0, p.cfg.NHidden, p.cfg.NHidden, 2*dim), dim)
	}

	if in.TargetFrames != nil {
		steps := in.TargetFrames.Shape().Dimensions[1]
		if st.Step+k > steps {
			panic(errs.ShapeMismatchf(op, "the segment at step %d needs %d target frames, only %d given", st.Step, k, steps))
		}
		future := nets.Narrow(in.TargetFrames, 1, st.Step, st.Step+k)
		futureStates := nets.Narrow(in.TargetStates, 1, st.Step, st.Step+k)
		hy := nets.Encode(ctx.In("future_encoder"), p.arch, future, futureStates, nil)
		hy = layers.Dense(ctx.In("proj_future"), nets.Flatten(hy), true, p.cfg.NHidden)
		if p.cfg.Kind == TEN {
			z := Tanh(nets.MLP(ctx.In("fc_z"), Add(hx, hy), 0, p.cfg.NHidden, p.cfg.NHidden, dim))
			out.Latent = z
			return z, out
		}
		mu, logVar := gaussianSplit(nets.MLP(ctx.In("fc_z"), Add(hx, hy), 0, p.cfg.NHidden, p.cfg.NHidden, 2*dim), dim)
		out.KL = nets.KLGaussians(mu, logVar, muPrior, logVarPrior)
		z := nets.Reparameterize(ctx, mu, logVar)
		out.Latent = z
		return z, out
	}

	if p.cfg.Kind == VAE {
		return nets.Reparameterize(ctx, muPrior, logVarPrior), out
	}
	if in.Sampled == nil {
		panic(errs.EmptyDistributionf(op, "the %s policy needs sampled latents", p.cfg.Kind))
	}
	segment := st.Step / k
	if err := errs.CheckDims(op, "sampled latents", in.Sampled.Shape().Dimensions, batch, -1, dim); err != nil {
		panic(err)
	}
	if segment >= in.Sampled.Shape().Dimensions[1] {
		panic(errs.ShapeMismatchf(op, "no sampled latent for segment %d", segment))
	}
	return Reshape(nets.Narrow(in.Sampled, 1, segment, segment+1), batch, dim), out
}

// gaussianSplit splits x [B, 2*dim] into a mean and a capped log-variance.
func gaussianSplit(x *Node, dim int) (mu, logVar *Node) {
	mu = nets.Narrow(x, 1, 0, dim)
	logVar = nets.Narrow(x, 1, dim, 2*dim)
	logVar = Min(logVar, ConstAs(logVar, nets.MaxLogVar))
	return
}

// segments is the number of latent draws over steps.
func (p *Policy) segments(steps int) int {
	k := p.cfg.ActionsSubsample
	return (steps + k - 1) / k
}
