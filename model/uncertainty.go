package model

import (
	"math"
	"strings"

	"github.com/Noofbiz/worldModel/cost"
	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// minCalibratedStd keeps the penalty finite for signals that never vary.
const minCalibratedStd = 1e-6

// UncertaintyStats are the calibrated per-step mean and standard deviation of
// each variance signal, used to normalise the uncertainty penalty.
type UncertaintyStats struct {
	Steps int `json:"steps"`

	ImagesMean []float32 `json:"images_mean"`
	ImagesStd  []float32 `json:"images_std"`
	StatesMean []float32 `json:"states_mean"`
	StatesStd  []float32 `json:"states_std"`
	CostsMean  []float32 `json:"costs_mean"`
	CostsStd   []float32 `json:"costs_std"`

	// ValuesMean and ValuesStd are set when the model has a value function.
	ValuesMean float32 `json:"values_mean"`
	ValuesStd  float32 `json:"values_std"`
}

// UncertaintyOptions configure UncertaintyGraph.
type UncertaintyOptions struct {
	// NModels is the number of replicas.
	NModels int

	// Detach runs the replicas without gradients (ModeInfer), otherwise the
	// variances are differentiable with respect to the actions (ModePlan).
	Detach bool

	// Penalty adds the calibrated hinge penalty.
	Penalty bool
}

// UncertaintyNodes are the outputs of UncertaintyGraph.
type UncertaintyNodes struct {
	// Images, States and Costs are the variances across replicas, averaged
	// over features, [B, steps].
	Images, States, Costs *Node

	// TaskCostMean is the task cost averaged across replicas, [B, steps].
	TaskCostMean *Node

	// Values is the variance of the value function, [B]. Nil without a value
	// function.
	Values *Node

	// Penalty is the summed hinge penalty, a scalar, when requested.
	Penalty *Node
}

// UncertaintyGraph replicates the window, actions and latents NModels times,
// runs the replicas with dropout on and returns the per-step variance of the
// predicted images, states, task costs and values across replicas.
//
// latents [B, steps, NZ] are required for the latent variants; all replicas
// share them so the spread comes from dropout alone.
func (m *Model) UncertaintyGraph(ctx *context.Context, frames, states, actions, latents, carSizes *Node, opts UncertaintyOptions) UncertaintyNodes {
	const op = "model.UncertaintyGraph"
	n := opts.NModels
	if n < 2 {
		panic(errs.Configurationf(op, "need at least 2 replicas to estimate a variance, got %d", n))
	}
	g := frames.Graph()
	wasTraining := ctx.IsTraining(g)
	defer ctx.SetTraining(g, wasTraining)

	batch := frames.Shape().Dimensions[0]
	steps := actions.Shape().Dimensions[1]
	mode := ModePlan
	if opts.Detach {
		mode = ModeInfer
	}
	in := RolloutNodes{Frames: replicate(frames, n), States: replicate(states, n), Actions: replicate(actions, n)}
	sampling := SampleZero
	if m.cfg.Variant.HasLatent() {
		if latents == nil {
			panic(errs.Configurationf(op, "latent variants need a latent sequence"))
		}
		in.Latents = replicate(latents, n)
		sampling = SampleSequence
	}
	pred := m.RolloutGraph(ctx, in, GraphOptions{Steps: steps, Sampling: sampling, Mode: mode, Stochastic: true})

	taskCosts := m.taskCost.StepCosts(pred.Frames, pred.States, replicate(carSizes, n))
	arch := m.cfg.Arch
	out := UncertaintyNodes{
		Images:       replicaVariance(Reshape(pred.Frames, n, batch, steps, 3*arch.Height*arch.Width)),
		States:       replicaVariance(Reshape(pred.States, n, batch, steps, arch.StateSize)),
		Costs:        replicaVariance(Reshape(taskCosts, n, batch, steps, 1)),
		TaskCostMean: ReduceMean(Reshape(taskCosts, n, batch, steps), 0),
	}
	if m.cfg.ValueFunction {
		v := m.ValueGraph(ctx, pred.FinalFrames, pred.FinalStates)
		if opts.Detach {
			v = StopGradient(v)
		}
		out.Values = Reshape(replicaVariance(Reshape(v, n, batch, 1, 1)), batch)
	}
	if opts.Penalty {
		out.Penalty = m.uncertaintyPenalty(op, out, steps)
	}
	return out
}

// uncertaintyPenalty sums the batch mean of each signal's hinge penalty.
func (m *Model) uncertaintyPenalty(op string, u UncertaintyNodes, steps int) *Node {
	s := m.UncertaintyStats()
	if s == nil {
		panic(errs.Configurationf(op, "the uncertainty penalty needs calibrated statistics, run EstimateUncertaintyStats first"))
	}
	if s.Steps != steps {
		panic(errs.ShapeMismatchf(op, "uncertainty statistics were calibrated for %d steps, got %d", s.Steps, steps))
	}
	hinge := m.cfg.UHinge
	total := ReduceAllMean(cost.UncertaintyPenalty(u.Images, s.ImagesMean, s.ImagesStd, hinge))
	total = Add(total, ReduceAllMean(cost.UncertaintyPenalty(u.States, s.StatesMean, s.StatesStd, hinge)))
	total = Add(total, ReduceAllMean(cost.UncertaintyPenalty(u.Costs, s.CostsMean, s.CostsStd, hinge)))
	if u.Values != nil {
		batch := u.Values.Shape().Dimensions[0]
		values := Reshape(u.Values, batch, 1)
		total = Add(total, ReduceAllMean(cost.UncertaintyPenalty(values, []float32{s.ValuesMean}, []float32{s.ValuesStd}, hinge)))
	}
	return total
}

// replicate tiles x [B, ...] n times along the batch axis: [n*B, ...].
func replicate(x *Node, n int) *Node {
	dims := x.Shape().Dimensions
	expanded := append([]int{n}, dims...)
	tiled := BroadcastToDims(InsertAxes(x, 0), expanded...)
	return Reshape(tiled, append([]int{n * dims[0]}, dims[1:]...)...)
}

// replicaVariance is the unbiased variance over the replica axis of
// x [n, B, steps, F], averaged over features: [B, steps].
func replicaVariance(x *Node) *Node {
	dims := x.Shape().Dimensions
	n := dims[0]
	mean := BroadcastToDims(InsertAxes(ReduceMean(x, 0), 0), dims...)
	sq := ReduceSum(Square(Sub(x, mean)), 0)
	return ReduceMean(DivScalar(sq, float64(n-1)), 2)
}

// UncertaintyRequest is a host-side uncertainty estimation.
type UncertaintyRequest struct {
	Frames, States, Actions *tensors.Tensor

	// CarSizes [B, 2] for the proximity cost.
	CarSizes *tensors.Tensor

	// Latents [B, steps, NZ]; nil draws them from the fixed prior.
	Latents *tensors.Tensor

	NModels int
}

// UncertaintyReport holds per example, per step variances.
type UncertaintyReport struct {
	Batch, Steps int

	// Images, States and Costs [B*steps], row-major.
	Images, States, Costs []float32

	// TaskCostMean [B*steps].
	TaskCostMean []float32

	// Values [B], nil without a value function.
	Values []float32

	// Penalty is set when the model is calibrated.
	Penalty    float64
	HasPenalty bool
}

// Uncertainty estimates the prediction variance of the request's rollout
// without gradients.
func (m *Model) Uncertainty(req UncertaintyRequest) (*UncertaintyReport, error) {
	const op = "model.Uncertainty"
	if err := m.checkRequest(op, RolloutRequest{Frames: req.Frames, States: req.States, Actions: req.Actions, Sampling: SampleZero}); err != nil {
		return nil, err
	}
	ad := nets.Dims(req.Actions)
	batch, steps := ad[0], ad[1]
	if req.CarSizes == nil {
		return nil, errs.Configurationf(op, "car sizes are required")
	}
	if err := errs.CheckDims(op, "car sizes", nets.Dims(req.CarSizes), batch, 2); err != nil {
		return nil, err
	}
	if req.NModels < 2 {
		return nil, errs.Configurationf(op, "need at least 2 replicas, got %d", req.NModels)
	}
	inputs := []*tensors.Tensor{req.Frames, req.States, req.Actions, req.CarSizes}
	hasLatent := m.cfg.Variant.HasLatent()
	if hasLatent {
		latents := req.Latents
		if latents == nil {
			seq, err := m.sampleSequence(SampleFixedPrior, nil, batch, steps)
			if err != nil {
				return nil, err
			}
			latents = nets.Tensor32(seq.Values, batch, steps, m.cfg.NZ)
		}
		if err := errs.CheckDims(op, "latents", nets.Dims(latents), batch, steps, m.cfg.NZ); err != nil {
			return nil, err
		}
		inputs = append(inputs, latents)
	}
	s := m.UncertaintyStats()
	withPenalty := s != nil && s.Steps == steps
	opts := UncertaintyOptions{NModels: req.NModels, Detach: true, Penalty: withPenalty}
	exec, err := m.Executor(execKey("uncertainty", opts), func(ctx *context.Context, in []*Node) []*Node {
		var latents *Node
		if hasLatent {
			latents = in[4]
		}
		u := m.UncertaintyGraph(ctx, in[0], in[1], in[2], latents, in[3], opts)
		out := []*Node{u.Images, u.States, u.Costs, u.TaskCostMean}
		if u.Values != nil {
			out = append(out, u.Values)
		}
		if u.Penalty != nil {
			out = append(out, u.Penalty)
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
	report := &UncertaintyReport{
		Batch:        batch,
		Steps:        steps,
		Images:       nets.Flat32(outs[0]),
		States:       nets.Flat32(outs[1]),
		Costs:        nets.Flat32(outs[2]),
		TaskCostMean: nets.Flat32(outs[3]),
	}
	next := 4
	if m.cfg.ValueFunction {
		report.Values = nets.Flat32(outs[next])
		next++
	}
	if withPenalty {
		report.Penalty = nets.Scalar32(outs[next])
		report.HasPenalty = true
	}
	return report, nil
}

// EstimateUncertaintyStats calibrates the uncertainty penalty on nBatches
// training batches: for each step it records the mean and standard deviation
// of every variance signal. Latents are drawn from the fixed prior, so the
// latent table must be estimated first for the latent variants.
func (m *Model) EstimateUncertaintyStats(src datasets.Source, nBatches, nModels int, progress ProgressFunc) (*UncertaintyStats, error) {
	const op = "model.EstimateUncertaintyStats"
	if nBatches < 1 {
		return nil, errs.Configurationf(op, "nBatches must be >= 1, got %d", nBatches)
	}
	// The penalty is not needed while calibrating.
	m.SetUncertaintyStats(nil)

	var images, states, costs [][]float64
	var values []float64
	steps := 0
	for i := range nBatches {
		batch, err := src.NextBatch(datasets.Train)
		if err != nil {
			return nil, errors.Wrapf(err, "reading batch %d", i)
		}
		report, err := m.Uncertainty(UncertaintyRequest{
			Frames:   batch.Frames,
			States:   batch.States,
			Actions:  batch.Actions,
			CarSizes: batch.CarSizes,
			NModels:  nModels,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "estimating the uncertainty of batch %d", i)
		}
		if steps == 0 {
			steps = report.Steps
			images, states, costs = make([][]float64, steps), make([][]float64, steps), make([][]float64, steps)
		} else if report.Steps != steps {
			return nil, errs.ShapeMismatchf(op, "batch %d has %d steps, previous ones had %d", i, report.Steps, steps)
		}
		for b := range report.Batch {
			for t := range steps {
				k := b*steps + t
				images[t] = append(images[t], float64(report.Images[k]))
				states[t] = append(states[t], float64(report.States[k]))
				costs[t] = append(costs[t], float64(report.Costs[k]))
			}
		}
		for _, v := range report.Values {
			values = append(values, float64(v))
		}
		if progress != nil {
			progress(i+1, nBatches)
		}
	}

	s := &UncertaintyStats{Steps: steps}
	s.ImagesMean, s.ImagesStd = perStepStats(images)
	s.StatesMean, s.StatesStd = perStepStats(states)
	s.CostsMean, s.CostsStd = perStepStats(costs)
	if len(values) > 0 {
		mean, std := meanStd(values)
		s.ValuesMean, s.ValuesStd = float32(mean), float32(std)
	}
	for _, x := range [][]float32{s.ImagesMean, s.ImagesStd, s.StatesMean, s.StatesStd, s.CostsMean, s.CostsStd} {
		if !nets.AllFinite(x) {
			return nil, errs.NumericInstabilityf(op, map[string]any{"batches": nBatches}, "uncertainty statistics are not finite")
		}
	}
	m.SetUncertaintyStats(s)
	klog.V(1).Infof("uncertainty calibrated over %d batches: images %.3g±%.3g, states %.3g±%.3g, costs %.3g±%.3g (first step)",
		nBatches, s.ImagesMean[0], s.ImagesStd[0], s.StatesMean[0], s.StatesStd[0], s.CostsMean[0], s.CostsStd[0])
	return s, nil
}

func perStepStats(samples [][]float64) (mean, std []float32) {
	mean, std = make([]float32, len(samples)), make([]float32, len(samples))
	for t, x := range samples {
		m, s := meanStd(x)
		mean[t], std[t] = float32(m), float32(s)
	}
	return
}

func meanStd(x []float64) (mean, std float64) {
	mean, std = stat.MeanStdDev(x, nil)
	if math.IsNaN(std) || std < minCalibratedStd {
		std = minCalibratedStd
	}
	return
}

// SetUncertaintyStats installs calibrated statistics, nil to clear them.
// Compiled graphs holding the previous statistics are dropped.
func (m *Model) SetUncertaintyStats(s *UncertaintyStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uStats = s
	for key := range m.execs {
		if strings.HasPrefix(key, "[uncertainty") || strings.HasPrefix(key, "[plan") || strings.HasPrefix(key, "[policy") {
			delete(m.execs, key)
		}
	}
}

// UncertaintyStats returns the calibrated statistics, nil before calibration.
func (m *Model) UncertaintyStats() *UncertaintyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uStats
}
