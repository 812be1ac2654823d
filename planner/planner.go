package planner

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/Noofbiz/worldModel/cost"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/model"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"
)

// Observation is the input of a planning call.
type Observation struct {
	// Frames [NCond, 3, H, W] and States [NCond, StateSize]: in raw units
	// (pixels in [0, 255], simulator states) when Config.Normalize is set,
	// in model units otherwise.
	Frames, States *tensors.Tensor

	// CarSize is the ego car width and length, in feet.
	CarSize [2]float32

	// Actions [NPred, NActions], in model units, start the optimisation when
	// the action buffer is not used. Nil starts from zero.
	Actions *tensors.Tensor
}

// Iteration records one optimisation iteration, measured before its update.
type Iteration struct {
	// Cost is the discounted task cost, Uncertainty the penalty before
	// weighting by UReg.
	Cost, Uncertainty float64

	// GradNorm is the action gradient norm before clipping.
	GradNorm float64
}

// Result is a planned action sequence.
type Result struct {
	NPred, NActions int

	// Actions [NPred, NActions] row-major: clipped and mapped to action units
	// when Config.Normalize is set, equal to Normalized otherwise.
	Actions []float32

	// Normalized are the planned actions in model units.
	Normalized []float32

	Iterations []Iteration

	// FinalCost is the cost of the planned actions on the futures they were
	// optimised on; TestCost on freshly drawn futures.
	FinalCost, TestCost float64
}

// CostHistory returns the cost of each iteration.
func (r *Result) CostHistory() []float64 {
	h := make([]float64, len(r.Iterations))
	for i, it := range r.Iterations {
		h[i] = it.Cost
	}
	return h
}

// Action returns the planned action of step t.
func (r *Result) Action(t int) []float32 {
	return r.Actions[t*r.NActions : (t+1)*r.NActions]
}

var plannerIDs atomic.Int64

// Planner plans action sequences with a model. A Planner owns its action
// buffer; Plan calls are serialised.
type Planner struct {
	model *model.Model
	cfg   Config
	cost  cost.Func
	id    int64

	mu     sync.Mutex
	buffer *ActionBuffer
}

// Option configures a Planner.
type Option func(p *Planner)

// WithCost replaces the model's task cost as the planning objective.
func WithCost(f cost.Func) Option {
	return func(p *Planner) { p.cost = f }
}

// New creates a planner for m.
func New(m *model.Model, cfg Config, opts ...Option) (*Planner, error) {
	const op = "planner.New"
	if m == nil {
		return nil, errs.Configurationf(op, "model is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OptimizeLatents && !m.Config().Variant.HasLatent() {
		return nil, errs.Configurationf(op, "optimize_z needs a latent variant, got %s", m.Config().Variant)
	}
	p := &Planner{model: m, cfg: cfg, cost: m.TaskCost(), id: plannerIDs.Add(1)}
	for _, opt := range opts {
		opt(p)
	}
	if p.cost == nil {
		return nil, errs.Configurationf(op, "no cost function")
	}
	return p, nil
}

// Config returns the planner configuration.
func (p *Planner) Config() Config { return p.cfg }

// Buffer returns a copy of the action buffer, nil before the first plan.
func (p *Planner) Buffer() *ActionBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffer == nil {
		return nil
	}
	return p.buffer.Clone()
}

// SetBuffer restores a buffer saved with Buffer.
func (p *Planner) SetBuffer(b *ActionBuffer) error {
	nActions := p.model.Config().NActions
	if b != nil && (b.NPred != p.cfg.NPred || b.NActions != nActions ||
		len(b.Actions) != b.NPred*b.NActions || len(b.M) != len(b.Actions) || len(b.V) != len(b.Actions)) {
		return errs.ShapeMismatchf("planner.SetBuffer", "buffer of %dx%d actions, want %dx%d", b.NPred, b.NActions, p.cfg.NPred, nActions)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b == nil {
		p.buffer = nil
	} else {
		p.buffer = b.Clone()
	}
	return nil
}

// ResetBuffer drops the buffered actions and optimiser state, e.g. at the
// start of an episode.
func (p *Planner) ResetBuffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = nil
}

// MoveTo moves the planner's model to backend. The action buffer lives in
// host memory and is fed to every graph, so it needs no copy.
func (p *Planner) MoveTo(backend backends.Backend) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.MoveTo(backend)
}

func (p *Planner) execKey(parts ...any) string {
	return fmt.Sprintf("%v", append([]any{"plan", p.id}, parts...))
}

// Plan optimises an action sequence for the observation.
func (p *Planner) Plan(obs Observation) (*Result, error) {
	const op = "planner.Plan"
	p.mu.Lock()
	defer p.mu.Unlock()

	mcfg := p.model.Config()
	frames, states, err := p.prepare(op, obs)
	if err != nil {
		return nil, err
	}
	carSize := nets.Tensor32([]float32{obs.CarSize[0], obs.CarSize[1]}, 1, 2)
	state, err := p.start(op, obs)
	if err != nil {
		return nil, err
	}
	latents, err := p.sampleLatents()
	if err != nil {
		return nil, err
	}

	hasLatent := mcfg.Variant.HasLatent()
	exec, err := p.model.Executor(p.execKey("step"), p.stepGraph)
	if err != nil {
		return nil, err
	}
	n := p.cfg.NPred * mcfg.NActions
	var zM, zV *tensors.Tensor
	if p.cfg.OptimizeLatents {
		dims := nets.Dims(latents)
		zM, zV = nets.Zeros32(dims...), nets.Zeros32(dims...)
	}

	result := &Result{NPred: p.cfg.NPred, NActions: mcfg.NActions}
	for i := range p.cfg.NIter {
		inputs := []*tensors.Tensor{frames, states, carSize,
			nets.Tensor32(state.Actions, p.cfg.NPred, mcfg.NActions),
			nets.Tensor32(state.M, p.cfg.NPred, mcfg.NActions),
			nets.Tensor32(state.V, p.cfg.NPred, mcfg.NActions),
			tensors.FromValue(float32(state.Step)),
		}
		if hasLatent {
			inputs = append(inputs, latents)
		}
		if p.cfg.OptimizeLatents {
			inputs = append(inputs, zM, zV, tensors.FromValue(float32(i)))
		}
		outs, err := exec.Run(inputs...)
		if err != nil {
			return nil, err
		}
		it := Iteration{
			Cost:        nets.Scalar32(outs[3]),
			Uncertainty: nets.Scalar32(outs[4]),
			GradNorm:    nets.Scalar32(outs[5]),
		}
		next := &ActionBuffer{NPred: p.cfg.NPred, NActions: mcfg.NActions,
			Actions: nets.Flat32(outs[0]), M: nets.Flat32(outs[1]), V: nets.Flat32(outs[2]), Step: state.Step + 1}
		if !finite(it.Cost, it.Uncertainty, it.GradNorm) || !nets.AllFinite(next.Actions) {
			return nil, errs.NumericInstabilityf(op, map[string]any{
				"iteration": i, "cost": it.Cost, "uncertainty": it.Uncertainty, "grad_norm": it.GradNorm,
			}, "planning diverged")
		}
		result.Iterations = append(result.Iterations, it)
		state = next
		if p.cfg.OptimizeLatents {
			latents, zM, zV = outs[6], outs[7], outs[8]
		}
		klog.V(1).Infof("plan iter %d: cost=%.4f uncertainty=%.4f grad=%.4f", i, it.Cost, it.Uncertainty, it.GradNorm)
	}

	actions := nets.Tensor32(state.Actions, p.cfg.NPred, mcfg.NActions)
	if result.FinalCost, err = p.evaluate(frames, states, carSize, actions, latents); err != nil {
		return nil, err
	}
	testLatents, err := p.sampleLatents()
	if err != nil {
		return nil, err
	}
	if result.TestCost, err = p.evaluate(frames, states, carSize, actions, testLatents); err != nil {
		return nil, err
	}
	klog.V(1).Infof("planned %d actions: cost %.4f, test cost %.4f", p.cfg.NPred, result.FinalCost, result.TestCost)

	if p.cfg.UseActionBuffer {
		p.buffer = state.Clone()
	}
	result.Normalized = append([]float32(nil), state.Actions[:n]...)
	result.Actions = append([]float32(nil), state.Actions[:n]...)
	if p.cfg.Normalize {
		p.model.Stats().UnnormalizeActions(result.Actions, float32(p.cfg.ActionClip))
	}
	return result, nil
}

// TestCost evaluates actions [NPred, NActions] (model units) on freshly
// drawn futures.
func (p *Planner) TestCost(obs Observation, actions []float32) (float64, error) {
	const op = "planner.TestCost"
	p.mu.Lock()
	defer p.mu.Unlock()
	nActions := p.model.Config().NActions
	if len(actions) != p.cfg.NPred*nActions {
		return 0, errs.ShapeMismatchf(op, "got %d action values, want %d", len(actions), p.cfg.NPred*nActions)
	}
	frames, states, err := p.prepare(op, obs)
	if err != nil {
		return 0, err
	}
	latents, err := p.sampleLatents()
	if err != nil {
		return 0, err
	}
	carSize := nets.Tensor32([]float32{obs.CarSize[0], obs.CarSize[1]}, 1, 2)
	return p.evaluate(frames, states, carSize, nets.Tensor32(actions, p.cfg.NPred, nActions), latents)
}

func (p *Planner) evaluate(frames, states, carSize, actions, latents *tensors.Tensor) (float64, error) {
	exec, err := p.model.Executor(p.execKey("eval"), func(ctx *context.Context, in []*Node) []*Node {
		var latents *Node
		if len(in) > 4 {
			latents = in[4]
		}
		proximity, _, _ := p.objective(ctx, in[0], in[1], in[2], in[3], latents, false)
		return []*Node{proximity}
	})
	if err != nil {
		return 0, err
	}
	inputs := []*tensors.Tensor{frames, states, carSize, actions}
	if latents != nil {
		inputs = append(inputs, latents)
	}
	outs, err := exec.Run(inputs...)
	if err != nil {
		return 0, err
	}
	return nets.Scalar32(outs[0]), nil
}

// stepGraph computes the objective, its gradient and one Adam step. Inputs:
// frames, states, car size, actions, the action moments and step count, then
// the latents for the latent variants and their moments and step count when
// they are optimised too.
func (p *Planner) stepGraph(ctx *context.Context, in []*Node) []*Node {
	frames, states, carSize := in[0], in[1], in[2]
	actions, m, v, step := in[3], in[4], in[5], in[6]
	var latents *Node
	if len(in) > 7 {
		latents = in[7]
	}
	proximity, uncertainty, total := p.objective(ctx, frames, states, carSize, actions, latents, p.cfg.UReg > 0)
	wrt := []*Node{actions}
	if p.cfg.OptimizeLatents {
		wrt = append(wrt, latents)
	}
	grads := Gradient(total, wrt...)
	grad, norm := clipByNorm(grads[0], MaxGradNorm)
	newActions, newM, newV := adamStep(actions, grad, m, v, step, p.cfg.LearningRate)
	out := []*Node{newActions, newM, newV, proximity, uncertainty, norm}
	if p.cfg.OptimizeLatents {
		// Ascent: the latents seek the futures where the actions fare worst.
		zGrad, _ := clipByNorm(grads[1], MaxGradNorm)
		newZ, newZM, newZV := adamStep(latents, Neg(zGrad), in[8], in[9], in[10], p.cfg.LearningRate)
		out = append(out, newZ, newZM, newZV)
	}
	return out
}

// objective rolls the model out over NFutures futures without dropout and
// returns the discounted task cost (the final window's value appended as one
// more step), the uncertainty penalty and their weighted sum.
func (p *Planner) objective(ctx *context.Context, frames, states, carSize, actions, latents *Node, withUncertainty bool) (proximity, uncertainty, total *Node) {
	mcfg := p.model.Config()
	f := p.cfg.NFutures
	framesF := BroadcastToDims(frames, f, mcfg.NCond, 3, mcfg.Height, mcfg.Width)
	statesF := BroadcastToDims(states, f, mcfg.NCond, mcfg.StateSize)
	actionsF := BroadcastToDims(InsertAxes(actions, 0), f, p.cfg.NPred, mcfg.NActions)
	carF := BroadcastToDims(carSize, f, 2)

	sampling := model.SampleZero
	if latents != nil {
		sampling = model.SampleSequence
	}
	pred := p.model.RolloutGraph(ctx,
		model.RolloutNodes{Frames: framesF, States: statesF, Actions: actionsF, Latents: latents},
		model.GraphOptions{Steps: p.cfg.NPred, Sampling: sampling, Mode: model.ModePlan})
	costs := p.cost.StepCosts(pred.Frames, pred.States, carF)
	if mcfg.ValueFunction {
		costs = Concatenate([]*Node{costs, p.model.ValueGraph(ctx, pred.FinalFrames, pred.FinalStates)}, 1)
	}
	proximity = cost.DiscountedMean(costs, p.cfg.Gamma)
	uncertainty = ScalarZero(proximity.Graph(), proximity.DType())
	total = proximity
	if withUncertainty {
		u := p.model.UncertaintyGraph(ctx, framesF, statesF, actionsF, latents, carF,
			model.UncertaintyOptions{NModels: p.cfg.NModels, Penalty: true})
		uncertainty = u.Penalty
		total = Add(total, MulScalar(uncertainty, p.cfg.UReg))
	}
	return
}

// prepare validates the observation and returns the window as a batch of
// one, in model units.
func (p *Planner) prepare(op string, obs Observation) (frames, states *tensors.Tensor, err error) {
	mcfg := p.model.Config()
	if obs.Frames == nil || obs.States == nil {
		return nil, nil, errs.Configurationf(op, "observation frames and states are required")
	}
	if err := errs.CheckDims(op, "frames", nets.Dims(obs.Frames), mcfg.NCond, 3, mcfg.Height, mcfg.Width); err != nil {
		return nil, nil, err
	}
	if err := errs.CheckDims(op, "states", nets.Dims(obs.States), mcfg.NCond, mcfg.StateSize); err != nil {
		return nil, nil, err
	}
	if obs.CarSize[0] <= 0 || obs.CarSize[1] <= 0 {
		return nil, nil, errs.Configurationf(op, "car size must be positive, got %v", obs.CarSize)
	}
	fd := nets.Flat32(obs.Frames)
	sd := nets.Flat32(obs.States)
	if p.cfg.Normalize {
		scaled := make([]float32, len(fd))
		for i, v := range fd {
			scaled[i] = v / 255
		}
		fd = scaled
		sd = append([]float32(nil), sd...)
		p.model.Stats().NormalizeStates(sd)
	}
	return nets.Tensor32(fd, 1, mcfg.NCond, 3, mcfg.Height, mcfg.Width),
		nets.Tensor32(sd, 1, mcfg.NCond, mcfg.StateSize), nil
}

// start returns the initial actions and optimiser state: the shifted buffer,
// the observation's actions or zeros.
func (p *Planner) start(op string, obs Observation) (*ActionBuffer, error) {
	nActions := p.model.Config().NActions
	if p.cfg.UseActionBuffer && p.buffer != nil && p.buffer.NPred == p.cfg.NPred && p.buffer.NActions == nActions {
		state := p.buffer.Shift(p.cfg.NExec)
		if !p.cfg.SaveOptStats {
			state.resetMoments()
		}
		return state, nil
	}
	state := NewActionBuffer(p.cfg.NPred, nActions)
	if !p.cfg.UseActionBuffer && obs.Actions != nil {
		if err := errs.CheckDims(op, "actions", nets.Dims(obs.Actions), p.cfg.NPred, nActions); err != nil {
			return nil, err
		}
		copy(state.Actions, nets.Flat32(obs.Actions))
	}
	return state, nil
}

// sampleLatents draws NFutures latent sequences from the fixed prior, nil for
// the deterministic variant.
func (p *Planner) sampleLatents() (*tensors.Tensor, error) {
	mcfg := p.model.Config()
	if !mcfg.Variant.HasLatent() {
		return nil, nil
	}
	seq, err := p.model.SampleLatents(model.SampleFixedPrior, nil, p.cfg.NFutures, p.cfg.NPred)
	if err != nil {
		return nil, err
	}
	return nets.Tensor32(seq.Values, p.cfg.NFutures, p.cfg.NPred, mcfg.NZ), nil
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
