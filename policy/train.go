package policy

import (
	"math"

	"github.com/Noofbiz/worldModel/cost"
	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/model"
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainStats are the losses of a policy training step.
type TrainStats struct {
	Step int

	// Loss is the imitation loss, or the discounted task cost for SVG.
	Loss float64

	// KL of the VAE policy's posterior to its prior, imitation only.
	KL float64

	// Uncertainty is the SVG uncertainty penalty before weighting by UReg.
	Uncertainty float64

	Total float64
}

func (s TrainStats) finite() bool {
	for _, v := range []float64{s.Loss, s.KL, s.Uncertainty, s.Total} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (s TrainStats) diagnostics() map[string]any {
	return map[string]any{"step": s.Step, "loss": s.Loss, "kl": s.KL, "uncertainty": s.Uncertainty}
}

// Objective selects how Fit trains the policy.
type Objective int

const (
	Imitation Objective = iota
	SVG
)

func (o Objective) String() string {
	if o == SVG {
		return "svg"
	}
	return "imitation"
}

// TrainImitation runs one Adam update fitting the dataset actions of a batch.
// The windows are teacher forced: at step t the policy sees the true frames
// t..t+NCond-1 of the concatenated window and targets. The loss per step is
// the squared error of the deterministic policy, the mixture negative
// log-likelihood of the MDN policy and the Gaussian negative log-likelihood
// otherwise, plus the KL term of the VAE policy.
//
// The latents the TEN policy infers are saved: they are the ones sampled at
// run time.
func (p *Policy) TrainImitation(batch *datasets.Batch) (TrainStats, error) {
	const op = "policy.TrainImitation"
	if err := p.checkBatch(op, batch); err != nil {
		return TrainStats{}, err
	}
	if batch.TargetFrames == nil || batch.TargetStates == nil {
		return TrainStats{}, errs.Configurationf(op, "batch has no targets")
	}
	ad := nets.Dims(batch.Actions)
	steps := ad[1]
	if err := errs.CheckDims(op, "target frames", nets.Dims(batch.TargetFrames), ad[0], steps, 3, p.arch.Height, p.arch.Width); err != nil {
		return TrainStats{}, err
	}
	if err := errs.CheckDims(op, "target states", nets.Dims(batch.TargetStates), ad[0], steps, p.arch.StateSize); err != nil {
		return TrainStats{}, err
	}
	if p.cfg.Kind.HasLatent() && steps%p.cfg.ActionsSubsample != 0 {
		return TrainStats{}, errs.Configurationf(op, "the %s policy needs a multiple of actions_subsample=%d steps, got %d",
			p.cfg.Kind, p.cfg.ActionsSubsample, steps)
	}

	exec, err := p.model.Executor(p.execKey("imitation", steps), func(ctx *context.Context, in []*Node) []*Node {
		return p.imitationGraph(ctx, in[0], in[1], in[2], in[3], in[4])
	})
	if err != nil {
		return TrainStats{}, err
	}
	var outs []*tensors.Tensor
	err = p.model.WithTrainableScopes([]string{p.scope()}, func() error {
		var runErr error
		outs, runErr = exec.Run(batch.Frames, batch.States, batch.Actions, batch.TargetFrames, batch.TargetStates)
		return runErr
	})
	if err != nil {
		return TrainStats{}, err
	}
	stats := TrainStats{
		Step: p.nextStep(),
		Loss: nets.Scalar32(outs[0]),
		KL:   nets.Scalar32(outs[1]),
	}
	stats.Total = stats.Loss + stats.KL
	if !stats.finite() {
		return stats, errs.NumericInstabilityf(op, stats.diagnostics(), "imitation loss is not finite")
	}
	if p.cfg.Kind == TEN {
		if err := p.saveLatents(nets.Flat32(outs[2])); err != nil {
			return stats, err
		}
	}
	klog.V(2).Infof("policy imitation step %d: loss=%.4g kl=%.4g", stats.Step, stats.Loss, stats.KL)
	return stats, nil
}

// imitationGraph returns the imitation loss, the KL term and, for the TEN
// policy, the inferred latents [B, segments, ContextDim].
func (p *Policy) imitationGraph(ctx *context.Context, frames, states, actions, targetFrames, targetStates *Node) []*Node {
	g := frames.Graph()
	ctx.SetTraining(g, true)
	dims := actions.Shape().Dimensions
	batch, steps, nActions := dims[0], dims[1], dims[2]
	nCond := p.arch.NCond

	allFrames := Concatenate([]*Node{frames, targetFrames}, 1)
	allStates := Concatenate([]*Node{states, targetStates}, 1)
	in := LatentInputs{TargetFrames: targetFrames, TargetStates: targetStates}
	var st StepState
	var losses, kls, latents []*Node
	for t := 0; t < steps; t++ {
		window := nets.Narrow(allFrames, 1, t, t+nCond)
		windowStates := nets.Narrow(allStates, 1, t, t+nCond)
		target := Reshape(nets.Narrow(actions, 1, t, t+1), batch, nActions)
		var out Output
		out, st = p.Step(ctx, window, windowStates, st, in, false, 1)
		losses = append(losses, p.imitationLoss(out, target))
		if out.KL != nil {
			kls = append(kls, out.KL)
		}
		if out.Latent != nil {
			latents = append(latents, InsertAxes(out.Latent, 1))
		}
	}
	loss := meanOf(g, losses)
	kl := meanOf(g, kls)
	p.optimizer.UpdateGraph(ctx, g, Add(loss, kl))
	result := []*Node{loss, kl}
	if p.cfg.Kind == TEN {
		result = append(result, StopGradient(Concatenate(latents, 1)))
	}
	return result
}

func (p *Policy) imitationLoss(out Output, target *Node) *Node {
	switch p.cfg.Kind {
	case Deterministic:
		return ReduceAllMean(Square(Sub(out.Action, target)))
	case MDN:
		return out.Mixture.NLL(target)
	}
	return ReduceAllMean(nets.NegLogPDF(target, out.Mu, out.Std))
}

// TrainSVG runs one Adam update of the policy with stochastic value
// gradients: the policy drives the frozen model for NPred steps from the
// batch windows, and the discounted task cost (plus UReg times the
// uncertainty penalty) is backpropagated through the model into the policy.
// Only the policy's variables change.
func (p *Policy) TrainSVG(batch *datasets.Batch) (TrainStats, error) {
	const op = "policy.TrainSVG"
	if err := p.checkBatch(op, batch); err != nil {
		return TrainStats{}, err
	}
	n := batch.Size()
	if batch.CarSizes == nil {
		return TrainStats{}, errs.Configurationf(op, "batch has no car sizes")
	}
	if err := errs.CheckDims(op, "car sizes", nets.Dims(batch.CarSizes), n, 2); err != nil {
		return TrainStats{}, err
	}
	zModel, err := p.modelLatents(n, p.cfg.NPred)
	if err != nil {
		return TrainStats{}, err
	}
	zPolicy, err := p.sampledLatents(op, n, p.cfg.NPred)
	if err != nil {
		return TrainStats{}, err
	}
	gi := graphInputs{modelLatents: zModel != nil, policyLatents: zPolicy != nil}
	exec, err := p.model.Executor(p.execKey("svg"), func(ctx *context.Context, in []*Node) []*Node {
		zm, zp := gi.split(in, 3)
		return p.svgGraph(ctx, in[0], in[1], in[2], zm, zp)
	})
	if err != nil {
		return TrainStats{}, err
	}
	var outs []*tensors.Tensor
	err = p.model.WithTrainableScopes([]string{p.scope()}, func() error {
		var runErr error
		outs, runErr = exec.Run(appendOptional([]*tensors.Tensor{batch.Frames, batch.States, batch.CarSizes}, zModel, zPolicy)...)
		return runErr
	})
	if err != nil {
		return TrainStats{}, err
	}
	stats := TrainStats{
		Step:        p.nextStep(),
		Loss:        nets.Scalar32(outs[0]),
		Uncertainty: nets.Scalar32(outs[1]),
		Total:       nets.Scalar32(outs[2]),
	}
	if !stats.finite() {
		return stats, errs.NumericInstabilityf(op, stats.diagnostics(), "policy cost is not finite")
	}
	klog.V(2).Infof("policy svg step %d: cost=%.4g uncertainty=%.4g", stats.Step, stats.Loss, stats.Uncertainty)
	return stats, nil
}

// svgGraph returns the discounted cost, the uncertainty penalty and the total
// minimised.
func (p *Policy) svgGraph(ctx *context.Context, frames, states, carSizes, zModel, zPolicy *Node) []*Node {
	g := frames.Graph()
	pred := p.rolloutGraph(ctx, frames, states, zModel, zPolicy, nil, p.cfg.NPred, model.ModePlan, true)
	costs := p.model.TaskCost().StepCosts(pred.Frames, pred.States, carSizes)
	if p.model.Config().ValueFunction {
		costs = Concatenate([]*Node{costs, p.model.ValueGraph(ctx, pred.FinalFrames, pred.FinalStates)}, 1)
	}
	proximity := cost.DiscountedMean(costs, p.cfg.Gamma)
	uncertainty := ScalarZero(g, proximity.DType())
	total := proximity
	if p.cfg.UReg > 0 {
		u := p.model.UncertaintyGraph(ctx, frames, states, pred.Actions, zModel, carSizes,
			model.UncertaintyOptions{NModels: p.cfg.NModels, Penalty: true})
		uncertainty = u.Penalty
		total = Add(total, MulScalar(uncertainty, p.cfg.UReg))
	}
	p.optimizer.UpdateGraph(ctx, g, total)
	return []*Node{proximity, uncertainty, total}
}

// Fit runs nSteps training steps on training batches of src.
func (p *Policy) Fit(src datasets.Source, objective Objective, nSteps int, progress model.ProgressFunc) (TrainStats, error) {
	var last TrainStats
	for i := range nSteps {
		batch, err := src.NextBatch(datasets.Train)
		if err != nil {
			return last, errors.Wrapf(err, "reading batch %d", i)
		}
		if objective == SVG {
			last, err = p.TrainSVG(batch)
		} else {
			last, err = p.TrainImitation(batch)
		}
		if err != nil {
			return last, err
		}
		if progress != nil {
			progress(i+1, nSteps)
		}
		if (i+1)%100 == 0 {
			klog.V(1).Infof("policy %s step %d/%d: loss %.4g", objective, i+1, nSteps, last.Total)
		}
	}
	return last, nil
}

// saveLatents appends inferred latents to the TEN policy's saved ones.
func (p *Policy) saveLatents(flat []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.latents.Append(flat); err != nil {
		return err
	}
	p.table = nil
	return nil
}

// checkBatch validates the windows and actions of a batch.
func (p *Policy) checkBatch(op string, batch *datasets.Batch) error {
	if batch == nil {
		return errs.Configurationf(op, "batch is nil")
	}
	n, err := p.checkWindow(op, batch.Frames, batch.States)
	if err != nil {
		return err
	}
	if batch.Actions == nil {
		return errs.Configurationf(op, "batch has no actions")
	}
	return errs.CheckDims(op, "actions", nets.Dims(batch.Actions), n, -1, p.arch.NActions)
}

// meanOf averages scalar terms, 0 for none.
func meanOf(g *Graph, terms []*Node) *Node {
	if len(terms) == 0 {
		return Scalar(g, dtypes.Float32, 0)
	}
	total := terms[0]
	for _, t := range terms[1:] {
		total = Add(total, t)
	}
	return DivScalar(total, float64(len(terms)))
}
