package policy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Noofbiz/worldModel/cost"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/latent"
	"github.com/Noofbiz/worldModel/model"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"k8s.io/klog/v2"
)

var policyIDs atomic.Int64

// Policy is a policy network stored in the forward model's context, under
// Scope. Policies of the same kind on one model share their variables.
// Training a policy never changes the forward model.
type Policy struct {
	model     *model.Model
	cfg       Config
	arch      nets.Arch
	id        int64
	optimizer optimizers.Interface

	mu      sync.Mutex
	steps   int
	latents *latent.Builder
	table   *latent.Table
}

// New creates a policy driving m.
func New(m *model.Model, cfg Config) (*Policy, error) {
	const op = "policy.New"
	if m == nil {
		return nil, errs.Configurationf(op, "model is nil")
	}
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}
	cfg.Kind = kind
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		model:     m,
		cfg:       cfg,
		arch:      m.Config().Arch,
		id:        policyIDs.Add(1),
		optimizer: optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
	}
	if cfg.Kind == TEN {
		p.latents = latent.NewBuilder(cfg.ContextDim)
	}
	return p, nil
}

// Config returns the policy configuration.
func (p *Policy) Config() Config { return p.cfg }

// Model returns the forward model the policy drives.
func (p *Policy) Model() *model.Model { return p.model }

// MoveTo moves the policy to backend. Its variables live in the model's
// context and its saved latents in host memory, so this moves the model.
func (p *Policy) MoveTo(backend backends.Backend) error {
	return p.model.MoveTo(backend)
}

// LatentTable returns the latents saved by imitation training of the TEN
// policy, nil if there are none.
func (p *Policy) LatentTable() *latent.Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.table == nil && p.latents != nil && p.latents.Len() > 0 {
		p.table = p.latents.Freeze()
	}
	return p.table
}

// SetLatentTable replaces the saved latents of the TEN policy. Later
// imitation steps append to it.
func (p *Policy) SetLatentTable(t *latent.Table) error {
	const op = "policy.SetLatentTable"
	if p.cfg.Kind != TEN {
		return errs.Configurationf(op, "only the %s policy samples saved latents, got %s", TEN, p.cfg.Kind)
	}
	if t != nil && t.Dim() != p.cfg.ContextDim {
		return errs.ShapeMismatchf(op, "latents of size %d, want %d", t.Dim(), p.cfg.ContextDim)
	}
	b := latent.NewBuilder(p.cfg.ContextDim)
	if t != nil {
		if err := b.Append(t.Flat32()); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table = t
	p.latents = b
	return nil
}

// scope is the variable scope trained by the policy.
func (p *Policy) scope() string {
	return Scope + context.ScopeSeparator + string(p.cfg.Kind)
}

func (p *Policy) execKey(parts ...any) string {
	return fmt.Sprintf("%v", append([]any{"policy", p.id}, parts...))
}

// driver feeds the policy's actions to a model rollout. It keeps the
// StepState of the graph being built.
type driver struct {
	p       *Policy
	in      LatentInputs
	sample  bool
	stdMult float64

	// first replaces the action of step 0 when set.
	first *Node

	state   StepState
	outputs []Output
}

func (d *driver) Action(ctx *context.Context, step int, frames, states *Node) *Node {
	out, st := d.p.Step(ctx, frames, states, d.state, d.in, d.sample, d.stdMult)
	d.state = st
	d.outputs = append(d.outputs, out)
	if step == 0 && d.first != nil {
		return d.first
	}
	return out.Action
}

// sampledLatents draws the saved latents of the TEN policy for batch
// examples over steps, nil for the other kinds.
func (p *Policy) sampledLatents(op string, batch, steps int) (*tensors.Tensor, error) {
	if p.cfg.Kind != TEN {
		return nil, nil
	}
	table := p.LatentTable()
	if table == nil {
		return nil, errs.EmptyDistributionf(op, "the %s policy has no saved latents: train it by imitation first", TEN)
	}
	n := p.segments(steps)
	seq, err := p.model.Sampler().FixedPriorSequence(table, batch, n)
	if err != nil {
		return nil, err
	}
	return nets.Tensor32(seq.Values, batch, n, p.cfg.ContextDim), nil
}

// modelLatents draws the forward model's latents from its fixed prior, nil
// for the deterministic model.
func (p *Policy) modelLatents(batch, steps int) (*tensors.Tensor, error) {
	mcfg := p.model.Config()
	if !mcfg.Variant.HasLatent() {
		return nil, nil
	}
	seq, err := p.model.SampleLatents(model.SampleFixedPrior, nil, batch, steps)
	if err != nil {
		return nil, err
	}
	return nets.Tensor32(seq.Values, batch, steps, mcfg.NZ), nil
}

// graphInputs collects the optional inputs, in order.
type graphInputs struct {
	modelLatents, policyLatents bool
}

func (gi graphInputs) split(in []*Node, fixed int) (modelLatents, policyLatents *Node) {
	i := fixed
	if gi.modelLatents {
		modelLatents = in[i]
		i++
	}
	if gi.policyLatents {
		policyLatents = in[i]
	}
	return
}

func appendOptional(inputs []*tensors.Tensor, extra ...*tensors.Tensor) []*tensors.Tensor {
	for _, t := range extra {
		if t != nil {
			inputs = append(inputs, t)
		}
	}
	return inputs
}

// RolloutRequest is a policy-driven rollout.
type RolloutRequest struct {
	// Frames [B, NCond, 3, H, W] and States [B, NCond, StateSize], in model
	// units.
	Frames, States *tensors.Tensor

	// CarSizes [B, 2], optional: the task cost is reported when given.
	CarSizes *tensors.Tensor

	Steps int

	// Sample draws the actions instead of taking the policy's mean.
	Sample bool
}

// RolloutResult holds the predictions of a policy-driven rollout.
type RolloutResult struct {
	// Frames [B, steps, 3, H, W], States [B, steps, StateSize], Costs
	// [B, steps, NumCosts] and Actions [B, steps, NActions].
	Frames, States, Costs, Actions *tensors.Tensor

	// TaskCost is the discounted task cost, when car sizes were given.
	TaskCost float64
}

// Rollout runs the forward model for req.Steps steps with the actions the
// policy chooses. Nothing is differentiated: the predictions are detached at
// every step.
func (p *Policy) Rollout(req RolloutRequest) (*RolloutResult, error) {
	const op = "policy.Rollout"
	batch, err := p.checkWindow(op, req.Frames, req.States)
	if err != nil {
		return nil, err
	}
	if req.Steps < 1 {
		return nil, errs.Configurationf(op, "steps must be >= 1, got %d", req.Steps)
	}
	if req.CarSizes != nil {
		if err := errs.CheckDims(op, "car sizes", nets.Dims(req.CarSizes), batch, 2); err != nil {
			return nil, err
		}
	}
	zModel, err := p.modelLatents(batch, req.Steps)
	if err != nil {
		return nil, err
	}
	zPolicy, err := p.sampledLatents(op, batch, req.Steps)
	if err != nil {
		return nil, err
	}
	withCost := req.CarSizes != nil
	gi := graphInputs{modelLatents: zModel != nil, policyLatents: zPolicy != nil}
	key := p.execKey("rollout", req.Steps, req.Sample, withCost)
	exec, err := p.model.Executor(key, func(ctx *context.Context, in []*Node) []*Node {
		fixed := 2
		if withCost {
			fixed = 3
		}
		zm, zp := gi.split(in, fixed)
		pred := p.rolloutGraph(ctx, in[0], in[1], zm, zp, nil, req.Steps, model.ModeInfer, req.Sample)
		out := []*Node{pred.Frames, pred.States, pred.Costs, pred.Actions}
		if withCost {
			costs := p.model.TaskCost().StepCosts(pred.Frames, pred.States, in[2])
			out = append(out, cost.DiscountedMean(costs, p.cfg.Gamma))
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	inputs := []*tensors.Tensor{req.Frames, req.States}
	if withCost {
		inputs = append(inputs, req.CarSizes)
	}
	outs, err := exec.Run(appendOptional(inputs, zModel, zPolicy)...)
	if err != nil {
		return nil, err
	}
	res := &RolloutResult{Frames: outs[0], States: outs[1], Costs: outs[2], Actions: outs[3]}
	if withCost {
		res.TaskCost = nets.Scalar32(outs[4])
	}
	return res, nil
}

// rolloutGraph rolls the model out with the policy choosing the actions. The
// model latents come from zModel, or the learned zero latent when nil.
func (p *Policy) rolloutGraph(ctx *context.Context, frames, states, zModel, zPolicy, first *Node, steps int, mode model.GradientMode, sample bool) model.GraphPrediction {
	d := &driver{p: p, in: LatentInputs{Sampled: zPolicy}, sample: sample, stdMult: 1, first: first}
	sampling := model.SampleZero
	if zModel != nil {
		sampling = model.SampleSequence
	}
	return p.model.RolloutGraph(ctx,
		model.RolloutNodes{Frames: frames, States: states, Policy: d, Latents: zModel},
		model.GraphOptions{Steps: steps, Sampling: sampling, Mode: mode})
}

// Observation is the input of SelectAction.
type Observation struct {
	// Frames [NCond, 3, H, W] and States [NCond, StateSize]: in raw units when
	// Config.Normalize is set, in model units otherwise.
	Frames, States *tensors.Tensor

	// CarSize is the ego car width and length, in feet.
	CarSize [2]float32
}

// Selection is the action chosen by SelectAction.
type Selection struct {
	// Action is the chosen first action: clipped and mapped to action units
	// when Config.Normalize is set, equal to Normalized otherwise.
	Action []float32

	// Normalized is the chosen action in model units.
	Normalized []float32

	// Index of the chosen candidate and Costs of all candidates, averaged
	// over the futures.
	Index int
	Costs []float64
}

// SelectAction draws NActionSamples candidate first actions from the policy
// (noise scaled by StdMult), rolls each one out over NFutures futures of NPred
// steps with the policy's mean actions afterwards, and returns the candidate
// of lowest mean discounted cost.
func (p *Policy) SelectAction(obs Observation) (*Selection, error) {
	const op = "policy.SelectAction"
	frames, states, err := p.prepare(op, obs)
	if err != nil {
		return nil, err
	}
	n, f := p.cfg.NActionSamples, p.cfg.NFutures
	zModel, err := p.modelLatents(n*f, p.cfg.NPred)
	if err != nil {
		return nil, err
	}
	zPolicy, err := p.sampledLatents(op, n, p.cfg.NPred)
	if err != nil {
		return nil, err
	}
	carSize := nets.Tensor32([]float32{obs.CarSize[0], obs.CarSize[1]}, 1, 2)
	gi := graphInputs{modelLatents: zModel != nil, policyLatents: zPolicy != nil}
	exec, err := p.model.Executor(p.execKey("select"), func(ctx *context.Context, in []*Node) []*Node {
		zm, zp := gi.split(in, 3)
		candidates, costs := p.selectGraph(ctx, in[0], in[1], in[2], zm, zp)
		return []*Node{candidates, costs}
	})
	if err != nil {
		return nil, err
	}
	outs, err := exec.Run(appendOptional([]*tensors.Tensor{frames, states, carSize}, zModel, zPolicy)...)
	if err != nil {
		return nil, err
	}
	candidates := nets.Flat32(outs[0])
	costs := nets.Flat32(outs[1])
	if !nets.AllFinite(costs) || !nets.AllFinite(candidates) {
		return nil, errs.NumericInstabilityf(op, map[string]any{"costs": costs}, "candidate costs are not finite")
	}

	nActions := p.arch.NActions
	sel := &Selection{Costs: make([]float64, n)}
	for i, c := range costs {
		sel.Costs[i] = float64(c)
		if c < costs[sel.Index] {
			sel.Index = i
		}
	}
	sel.Normalized = append([]float32(nil), candidates[sel.Index*nActions:(sel.Index+1)*nActions]...)
	sel.Action = append([]float32(nil), sel.Normalized...)
	if p.cfg.Normalize {
		p.model.Stats().UnnormalizeActions(sel.Action, float32(p.cfg.ActionClip))
	}
	klog.V(1).Infof("selected candidate %d of %d: cost %.4f", sel.Index, n, sel.Costs[sel.Index])
	return sel, nil
}

// selectGraph returns the candidates [N, NActions] and their mean discounted
// costs [N].
func (p *Policy) selectGraph(ctx *context.Context, frames, states, carSize, zModel, zPolicy *Node) (candidates, costs *Node) {
	arch := p.arch
	n, f, steps := p.cfg.NActionSamples, p.cfg.NFutures, p.cfg.NPred
	ctx.SetTraining(frames.Graph(), false)

	framesN := BroadcastToDims(frames, n, arch.NCond, 3, arch.Height, arch.Width)
	statesN := BroadcastToDims(states, n, arch.NCond, arch.StateSize)
	first, _ := p.Step(ctx, framesN, statesN, StepState{}, LatentInputs{Sampled: zPolicy}, true, p.cfg.StdMult)
	candidates = StopGradient(first.Action)

	// Example i*F+j is candidate i in future j.
	framesNF := BroadcastToDims(frames, n*f, arch.NCond, 3, arch.Height, arch.Width)
	statesNF := BroadcastToDims(states, n*f, arch.NCond, arch.StateSize)
	firstNF := repeatEach(candidates, f)
	var zPolicyNF *Node
	if zPolicy != nil {
		zPolicyNF = repeatEach(zPolicy, f)
	}
	pred := p.rolloutGraph(ctx, framesNF, statesNF, zModel, zPolicyNF, firstNF, steps, model.ModeInfer, false)
	stepCosts := p.model.TaskCost().StepCosts(pred.Frames, pred.States, BroadcastToDims(carSize, n*f, 2))
	if p.model.Config().ValueFunction {
		stepCosts = Concatenate([]*Node{stepCosts, p.model.ValueGraph(ctx, pred.FinalFrames, pred.FinalStates)}, 1)
	}
	perFuture := discountedPerExample(stepCosts, p.cfg.Gamma)
	costs = ReduceMean(Reshape(perFuture, n, f), 1)
	return
}

// repeatEach repeats every example of x [B, ...] k times: [B*k, ...].
func repeatEach(x *Node, k int) *Node {
	dims := x.Shape().Dimensions
	expanded := append([]int{dims[0], k}, dims[1:]...)
	out := BroadcastToDims(InsertAxes(x, 1), expanded...)
	return Reshape(out, append([]int{dims[0] * k}, dims[1:]...)...)
}

// discountedPerExample weights costs [B, steps] by gamma^t and averages over
// the steps: [B].
func discountedPerExample(costs *Node, gamma float64) *Node {
	dims := costs.Shape().Dimensions
	mask := cost.DiscountMask(costs.Graph(), costs.DType(), dims[1], gamma)
	mask = BroadcastToDims(Reshape(mask, 1, dims[1]), dims...)
	return ReduceMean(Mul(costs, mask), 1)
}

// checkWindow validates a batch of windows and returns the batch size.
func (p *Policy) checkWindow(op string, frames, states *tensors.Tensor) (int, error) {
	if frames == nil || states == nil {
		return 0, errs.Configurationf(op, "frames and states are required")
	}
	fd := nets.Dims(frames)
	if err := errs.CheckDims(op, "frames", fd, -1, p.arch.NCond, 3, p.arch.Height, p.arch.Width); err != nil {
		return 0, err
	}
	if err := errs.CheckDims(op, "states", nets.Dims(states), fd[0], p.arch.NCond, p.arch.StateSize); err != nil {
		return 0, err
	}
	return fd[0], nil
}

// prepare validates an observation and returns it as a batch of one, in
// model units.
func (p *Policy) prepare(op string, obs Observation) (frames, states *tensors.Tensor, err error) {
	arch := p.arch
	if obs.Frames == nil || obs.States == nil {
		return nil, nil, errs.Configurationf(op, "observation frames and states are required")
	}
	if err := errs.CheckDims(op, "frames", nets.Dims(obs.Frames), arch.NCond, 3, arch.Height, arch.Width); err != nil {
		return nil, nil, err
	}
	if err := errs.CheckDims(op, "states", nets.Dims(obs.States), arch.NCond, arch.StateSize); err != nil {
		return nil, nil, err
	}
	if obs.CarSize[0] <= 0 || obs.CarSize[1] <= 0 {
		return nil, nil, errs.Configurationf(op, "car size must be positive, got %v", obs.CarSize)
	}
	fd := nets.Flat32(obs.Frames)
	sd := append([]float32(nil), nets.Flat32(obs.States)...)
	if p.cfg.Normalize {
		scaled := make([]float32, len(fd))
		for i, v := range fd {
			scaled[i] = v / 255
		}
		fd = scaled
		p.model.Stats().NormalizeStates(sd)
	}
	return nets.Tensor32(fd, 1, arch.NCond, 3, arch.Height, arch.Width),
		nets.Tensor32(sd, 1, arch.NCond, arch.StateSize), nil
}

func (p *Policy) nextStep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps++
	return p.steps
}
