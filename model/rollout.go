package model

import (
	"fmt"

	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/latent"
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Sampling selects how the latent of each rollout step is obtained.
type Sampling int

const (
	// SampleTeacher encodes the true next frame (training and estimation).
	// Requires target frames.
	SampleTeacher Sampling = iota

	// SampleFixedPrior draws table rows uniformly with replacement.
	SampleFixedPrior

	// SampleKNN picks uniformly among the TopZSample nearest neighbors of
	// the previous step's row.
	SampleKNN

	// SamplePDF samples the mixture-density prior (TEN with Beta > 0) and
	// snaps the draw to the nearest table row.
	SamplePDF

	// SamplePrior samples the VAE prior.
	SamplePrior

	// SampleZero uses the learned zero latent.
	SampleZero

	// SampleSequence uses caller supplied latents.
	SampleSequence
)

var samplingNames = []string{"teacher", "fp", "knn", "pdf", "prior", "zero", "sequence"}

func (s Sampling) String() string {
	if s < 0 || int(s) >= len(samplingNames) {
		return fmt.Sprintf("Sampling(%d)", int(s))
	}
	return samplingNames[s]
}

// ParseSampling parses a sampling name as printed by Sampling.String.
func ParseSampling(name string) (Sampling, error) {
	for i, n := range samplingNames {
		if n == name {
			return Sampling(i), nil
		}
	}
	return 0, errs.Configurationf("model.ParseSampling", "unknown sampling method %q", name)
}

// GradientMode states what the rollout keeps differentiable:
//
//	mode        dropout   predictions fed back   latents
//	ModeTrain   on        attached               attached
//	ModePlan    off       attached               attached
//	ModeInfer   off       detached every step    detached
//
// Stochastic in RolloutRequest (or GraphOptions) turns dropout on in ModePlan
// and ModeInfer, as the uncertainty estimator does.
type GradientMode int

const (
	ModeTrain GradientMode = iota
	ModePlan
	ModeInfer
)

func (g GradientMode) String() string {
	switch g {
	case ModeTrain:
		return "train"
	case ModePlan:
		return "plan"
	case ModeInfer:
		return "infer"
	}
	return fmt.Sprintf("GradientMode(%d)", int(g))
}

// ActionSource produces the action of a rollout step from the current window.
// Policies implement it to drive the model.
type ActionSource interface {
	Action(ctx *context.Context, step int, frames, states *Node) *Node
}

// RolloutNodes are the graph inputs of RolloutGraph.
type RolloutNodes struct {
	// Frames [B, NCond, 3, H, W] and States [B, NCond, StateSize].
	Frames, States *Node

	// Actions [B, steps, NActions]. Ignored if Policy is set.
	Actions *Node

	// Policy supplies the actions step by step.
	Policy ActionSource

	// TargetFrames [B, steps, 3, H, W], for SampleTeacher.
	TargetFrames *Node

	// Latents [B, steps, NZ], for SampleSequence.
	Latents *Node

	// Table [M, NZ], for SamplePDF.
	Table *Node
}

// GraphOptions configure RolloutGraph.
type GraphOptions struct {
	Steps      int
	Sampling   Sampling
	Mode       GradientMode
	ZDropout   float64
	Stochastic bool
}

// GraphPrediction are the outputs of RolloutGraph.
type GraphPrediction struct {
	// Frames [B, steps, 3, H, W], States [B, steps, StateSize] and
	// Costs [B, steps, NumCosts].
	Frames, States, Costs *Node

	// Actions [B, steps, NActions] as consumed.
	Actions *Node

	// Latents [B, steps, NZ]; nil for the deterministic variant.
	Latents *Node

	// Mu and LogVar [B, steps, NZ] of the VAE posterior in teacher mode.
	Mu, LogVar *Node

	// PriorLoss and SecondaryLoss are the per-step losses averaged over the
	// horizon. Zero when not accumulated.
	PriorLoss, SecondaryLoss *Node

	// FinalFrames and FinalStates are the window after the last step.
	FinalFrames, FinalStates *Node
}

// RolloutGraph unrolls the model for opts.Steps steps. Errors are raised as
// panics of *errs.Error, which Executor converts back to errors.
func (m *Model) RolloutGraph(ctx *context.Context, in RolloutNodes, opts GraphOptions) GraphPrediction {
	const op = "model.RolloutGraph"
	m.checkWindow(op, in.Frames, in.States)
	g := in.Frames.Graph()
	batch := in.Frames.Shape().Dimensions[0]
	steps := opts.Steps
	if steps < 1 {
		panic(errs.Configurationf(op, "steps must be >= 1, got %d", steps))
	}
	if in.Policy == nil {
		if in.Actions == nil {
			panic(errs.Configurationf(op, "either actions or a policy is required"))
		}
		if err := errs.CheckDims(op, "actions", in.Actions.Shape().Dimensions, batch, steps, m.cfg.NActions); err != nil {
			panic(err)
		}
	}
	ctx.SetTraining(g, opts.Mode == ModeTrain || opts.Stochastic)
	strategy := m.strategyFor(op, in, opts, batch)

	frames, states := in.Frames, in.States
	var outFrames, outStates, outCosts, outActions, outLatents, outMu, outLogVar []*Node
	var priorTerms, secondaryTerms []*Node
	for t := 0; t < steps; t++ {
		var action *Node
		if in.Policy != nil {
			action = in.Policy.Action(ctx, t, frames, states)
		} else {
			action = Reshape(nets.Narrow(in.Actions, 1, t, t+1), batch, m.cfg.NActions)
		}
		hx := m.encodeWindow(ctx, frames, states)
		var lat stepLatent
		if strategy != nil {
			lat = strategy.latent(ctx, t, frames, states, hx, action)
		}
		frame, state, costs := m.predict(ctx, hx, frames, states, action, lat.z)
		if opts.Mode == ModeInfer {
			frame, state, costs = StopGradient(frame), StopGradient(state), StopGradient(costs)
			if lat.z != nil {
				lat.z = StopGradient(lat.z)
			}
		}
		frames, states = shiftWindow(frames, states, frame, state)

		outFrames = append(outFrames, frame)
		outStates = append(outStates, state)
		outCosts = append(outCosts, costs)
		outActions = append(outActions, action)
		if lat.z != nil {
			outLatents = append(outLatents, lat.z)
		}
		if lat.mu != nil {
			outMu = append(outMu, lat.mu)
			outLogVar = append(outLogVar, lat.logVar)
		}
		if lat.prior != nil {
			priorTerms = append(priorTerms, lat.prior)
		}
		if lat.secondary != nil {
			secondaryTerms = append(secondaryTerms, lat.secondary)
		}
	}

	pred := GraphPrediction{
		Frames:        Concatenate(outFrames, 1),
		States:        stackSteps(outStates),
		Costs:         stackSteps(outCosts),
		Actions:       stackSteps(outActions),
		Latents:       stackSteps(outLatents),
		Mu:            stackSteps(outMu),
		LogVar:        stackSteps(outLogVar),
		PriorLoss:     meanOverSteps(g, priorTerms, steps),
		SecondaryLoss: meanOverSteps(g, secondaryTerms, steps),
		FinalFrames:   frames,
		FinalStates:   states,
	}
	return pred
}

// strategyFor returns the latent strategy for the options, or nil for the
// deterministic variant.
func (m *Model) strategyFor(op string, in RolloutNodes, opts GraphOptions, batch int) latentStrategy {
	if !m.cfg.Variant.HasLatent() {
		return nil
	}
	arch := m.cfg.Arch
	switch opts.Sampling {
	case SampleTeacher:
		if in.TargetFrames == nil {
			panic(errs.Configurationf(op, "teacher sampling needs target frames"))
		}
		if err := errs.CheckDims(op, "target frames", in.TargetFrames.Shape().Dimensions,
			batch, opts.Steps, 3, arch.Height, arch.Width); err != nil {
			panic(err)
		}
		return teacherLatent{m: m, targets: in.TargetFrames, zDropout: opts.ZDropout,
			sample: opts.Mode == ModeTrain || opts.Stochastic}
	case SampleSequence, SampleFixedPrior, SampleKNN:
		if in.Latents == nil {
			panic(errs.Configurationf(op, "%s sampling needs a latent sequence", opts.Sampling))
		}
		if err := errs.CheckDims(op, "latents", in.Latents.Shape().Dimensions, batch, opts.Steps, arch.NZ); err != nil {
			panic(err)
		}
		return sequenceLatent{latents: in.Latents}
	case SamplePDF:
		if m.cfg.Variant != TEN || m.cfg.Beta <= 0 {
			panic(errs.Configurationf(op, "pdf sampling needs the %s variant with beta > 0", TEN))
		}
		if in.Table == nil {
			panic(errs.EmptyDistributionf(op, "pdf sampling needs the latent table"))
		}
		if err := errs.CheckDims(op, "table", in.Table.Shape().Dimensions, -1, arch.NZ); err != nil {
			panic(err)
		}
		return pdfLatent{m: m, table: in.Table}
	case SamplePrior:
		if !m.cfg.Variant.IsVAE() {
			panic(errs.Configurationf(op, "prior sampling needs a VAE variant, got %s", m.cfg.Variant))
		}
		return priorLatent{m: m}
	case SampleZero:
		return zeroLatentStrategy{m: m}
	}
	panic(errs.Configurationf(op, "unknown sampling %s", opts.Sampling))
}

// stackSteps stacks per-step nodes [B, ...] into [B, steps, ...]. Returns nil
// for an empty list.
func stackSteps(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	expanded := make([]*Node, len(nodes))
	for i, n := range nodes {
		expanded[i] = InsertAxes(n, 1)
	}
	return Concatenate(expanded, 1)
}

func meanOverSteps(g *Graph, terms []*Node, steps int) *Node {
	if len(terms) == 0 {
		return Scalar(g, dtypes.Float32, 0)
	}
	total := terms[0]
	for _, t := range terms[1:] {
		total = Add(total, t)
	}
	return DivScalar(total, float64(steps))
}

// RolloutRequest is a host-side rollout invocation.
type RolloutRequest struct {
	// Frames [B, NCond, 3, H, W] in [0, 1] and States [B, NCond, StateSize]
	// normalised.
	Frames, States *tensors.Tensor

	// Actions [B, steps, NActions], normalised. Their length sets the horizon.
	Actions *tensors.Tensor

	// TargetFrames [B, steps, 3, H, W], for SampleTeacher.
	TargetFrames *tensors.Tensor

	// Latents [B, steps, NZ], for SampleSequence.
	Latents *tensors.Tensor

	// InitialLatents [B][NZ] are quantised to the first knn step. Nil draws
	// the first step from the fixed prior.
	InitialLatents [][]float64

	Sampling   Sampling
	Mode       GradientMode
	ZDropout   float64
	Stochastic bool
}

// Prediction is the result of a host-side rollout.
type Prediction struct {
	Frames, States, Costs *tensors.Tensor

	// Latents used, [B, steps, NZ]; nil for the deterministic variant.
	Latents *tensors.Tensor

	// LatentIndices are the table rows used by fixed-prior and knn sampling,
	// laid out [B][steps] row-major.
	LatentIndices []int

	// Mu and LogVar of the VAE posterior (teacher sampling only).
	Mu, LogVar *tensors.Tensor

	PriorLoss, SecondaryLoss float64
}

// Rollout runs the model over the request's horizon.
func (m *Model) Rollout(req RolloutRequest) (*Prediction, error) {
	const op = "model.Rollout"
	if err := m.checkRequest(op, req); err != nil {
		return nil, err
	}
	ad := nets.Dims(req.Actions)
	batch, steps := ad[0], ad[1]

	latents := req.Latents
	var indices []int
	hasLatent := m.cfg.Variant.HasLatent()
	if hasLatent && (req.Sampling == SampleFixedPrior || req.Sampling == SampleKNN) {
		seq, err := m.sampleSequence(req.Sampling, req.InitialLatents, batch, steps)
		if err != nil {
			return nil, err
		}
		latents = nets.Tensor32(seq.Values, batch, steps, m.cfg.NZ)
		indices = seq.Indices
	}

	inputs := []*tensors.Tensor{req.Frames, req.States, req.Actions}
	var layout []string
	if hasLatent {
		switch req.Sampling {
		case SampleTeacher:
			inputs = append(inputs, req.TargetFrames)
			layout = append(layout, "targets")
		case SampleSequence, SampleFixedPrior, SampleKNN:
			inputs = append(inputs, latents)
			layout = append(layout, "latents")
		case SamplePDF:
			table := m.LatentTable()
			if table.Len() == 0 {
				return nil, errs.EmptyDistributionf(op, "pdf sampling before the latent table was estimated")
			}
			inputs = append(inputs, nets.Tensor32(table.Flat32(), table.Len(), table.Dim()))
			layout = append(layout, "table")
		}
	}
	opts := GraphOptions{Steps: steps, Sampling: req.Sampling, Mode: req.Mode, ZDropout: req.ZDropout, Stochastic: req.Stochastic}
	withPosterior := hasLatent && m.cfg.Variant.IsVAE() && req.Sampling == SampleTeacher
	key := execKey("rollout", opts, layout)
	exec, err := m.Executor(key, func(ctx *context.Context, in []*Node) []*Node {
		nodes := RolloutNodes{Frames: in[0], States: in[1], Actions: in[2]}
		for i, name := range layout {
			switch name {
			case "targets":
				nodes.TargetFrames = in[3+i]
			case "latents":
				nodes.Latents = in[3+i]
			case "table":
				nodes.Table = in[3+i]
			}
		}
		p := m.RolloutGraph(ctx, nodes, opts)
		out := []*Node{p.Frames, p.States, p.Costs, p.PriorLoss, p.SecondaryLoss}
		if p.Latents != nil {
			out = append(out, p.Latents)
		}
		if withPosterior {
			out = append(out, p.Mu, p.LogVar)
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	outs, err := exec.Run(inputs...)
	if err != nil {
		return nil, err
	}
	pred := &Prediction{
		Frames:        outs[0],
		States:        outs[1],
		Costs:         outs[2],
		PriorLoss:     nets.Scalar32(outs[3]),
		SecondaryLoss: nets.Scalar32(outs[4]),
		LatentIndices: indices,
	}
	if hasLatent {
		pred.Latents = outs[5]
		if withPosterior {
			pred.Mu, pred.LogVar = outs[6], outs[7]
		}
	}
	klog.V(2).Infof("rollout: batch=%d steps=%d sampling=%s mode=%s prior=%.4g", batch, steps, req.Sampling, req.Mode, pred.PriorLoss)
	return pred, nil
}

// sampleSequence draws a host-side latent sequence from the table.
func (m *Model) sampleSequence(sampling Sampling, initial [][]float64, batch, steps int) (*latent.Sequence, error) {
	m.distMu.RLock()
	defer m.distMu.RUnlock()
	if sampling == SampleFixedPrior {
		return m.sampler.FixedPriorSequence(m.table, batch, steps)
	}
	if m.index == nil {
		if m.table.Len() == 0 {
			return nil, errs.EmptyDistributionf("model.Rollout", "knn sampling before the latent table was estimated")
		}
		return nil, errs.EmptyDistributionf("model.Rollout", "knn sampling before the neighbor graph was built")
	}
	return m.sampler.KNNSequence(m.index, initial, batch, steps, m.cfg.TopZSample)
}

// checkRequest validates the request's tensor shapes and sampling method.
func (m *Model) checkRequest(op string, req RolloutRequest) error {
	arch := m.cfg.Arch
	if req.Frames == nil || req.States == nil || req.Actions == nil {
		return errs.Configurationf(op, "frames, states and actions are required")
	}
	fd := nets.Dims(req.Frames)
	if err := errs.CheckDims(op, "frames", fd, -1, arch.NCond, 3, arch.Height, arch.Width); err != nil {
		return err
	}
	batch := fd[0]
	if err := errs.CheckDims(op, "states", nets.Dims(req.States), batch, arch.NCond, arch.StateSize); err != nil {
		return err
	}
	ad := nets.Dims(req.Actions)
	if err := errs.CheckDims(op, "actions", ad, batch, -1, arch.NActions); err != nil {
		return err
	}
	steps := ad[1]
	if steps < 1 {
		return errs.ShapeMismatchf(op, "actions must cover at least one step")
	}
	if req.ZDropout < 0 || req.ZDropout > 1 {
		return errs.Configurationf(op, "z dropout must be in [0, 1], got %g", req.ZDropout)
	}
	if !m.cfg.Variant.HasLatent() {
		return nil
	}
	switch req.Sampling {
	case SampleTeacher:
		if req.TargetFrames == nil {
			return errs.Configurationf(op, "teacher sampling needs target frames")
		}
		return errs.CheckDims(op, "target frames", nets.Dims(req.TargetFrames), batch, steps, 3, arch.Height, arch.Width)
	case SampleSequence:
		if req.Latents == nil {
			return errs.Configurationf(op, "sequence sampling needs latents")
		}
		return errs.CheckDims(op, "latents", nets.Dims(req.Latents), batch, steps, arch.NZ)
	case SampleKNN:
		if req.InitialLatents != nil && len(req.InitialLatents) != batch {
			return errs.ShapeMismatchf(op, "initial latents: got %d rows, want %d", len(req.InitialLatents), batch)
		}
	case SamplePDF:
		if m.cfg.Variant != TEN || m.cfg.Beta <= 0 {
			return errs.Configurationf(op, "pdf sampling needs the %s variant with beta > 0", TEN)
		}
	case SamplePrior:
		if !m.cfg.Variant.IsVAE() {
			return errs.Configurationf(op, "prior sampling needs a VAE variant, got %s", m.cfg.Variant)
		}
	case SampleFixedPrior, SampleZero:
	default:
		return errs.Configurationf(op, "unknown sampling %s", req.Sampling)
	}
	return nil
}
