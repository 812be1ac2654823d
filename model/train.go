package model

import (
	"math"

	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainStats are the losses of a training step.
type TrainStats struct {
	Step int

	Frames, States, Costs float64

	// Prior is the prior-matching loss (KL or mixture NLL) and Secondary the
	// action-independence loss.
	Prior, Secondary float64

	Total float64
}

func (s TrainStats) diagnostics() map[string]any {
	return map[string]any{
		"step":      s.Step,
		"frames":    s.Frames,
		"states":    s.States,
		"costs":     s.Costs,
		"prior":     s.Prior,
		"secondary": s.Secondary,
	}
}

func (s TrainStats) finite() bool {
	for _, v := range []float64{s.Frames, s.States, s.Costs, s.Prior, s.Secondary, s.Total} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// mse is the mean squared error over all elements.
func mse(pred, target *Node) *Node {
	return ReduceAllMean(Square(Sub(pred, target)))
}

// TrainStep runs one Adam update of the forward model on a batch with
// teacher forcing and latent dropout. The loss is
// MSE(frames) + MSE(states) + MSE(costs) + Beta·prior + secondary.
//
// A non-finite loss stops the model: this and every later call return a
// NumericInstability error with the loss components.
func (m *Model) TrainStep(batch *datasets.Batch) (TrainStats, error) {
	const op = "model.TrainStep"
	if err := m.checkBatch(op, batch); err != nil {
		return TrainStats{}, err
	}
	steps := nets.Dims(batch.Actions)[1]
	opts := GraphOptions{Steps: steps, Sampling: SampleTeacher, Mode: ModeTrain, ZDropout: m.cfg.ZDropout}
	exec, err := m.Executor(execKey("train", opts), func(ctx *context.Context, in []*Node) []*Node {
		g := in[0].Graph()
		pred := m.RolloutGraph(ctx, RolloutNodes{Frames: in[0], States: in[1], Actions: in[2], TargetFrames: in[3]}, opts)
		lossFrames := mse(pred.Frames, in[3])
		lossStates := mse(pred.States, in[4])
		lossCosts := mse(pred.Costs, in[5])
		total := Add(Add(lossFrames, lossStates), lossCosts)
		total = Add(total, MulScalar(pred.PriorLoss, m.cfg.Beta))
		total = Add(total, pred.SecondaryLoss)
		m.optimizer.UpdateGraph(ctx, g, total)
		return []*Node{lossFrames, lossStates, lossCosts, pred.PriorLoss, pred.SecondaryLoss, total}
	})
	if err != nil {
		return TrainStats{}, err
	}
	var outs []*tensors.Tensor
	err = m.withTrainable(notInScopes(ScopeValueFunction, ScopeZeroLatent, "policy"), func() error {
		var runErr error
		outs, runErr = exec.Run(batch.Frames, batch.States, batch.Actions, batch.TargetFrames, batch.TargetStates, batch.TargetCosts)
		return runErr
	})
	if err != nil {
		return TrainStats{}, err
	}
	stats := TrainStats{
		Step:      m.nextStep(),
		Frames:    nets.Scalar32(outs[0]),
		States:    nets.Scalar32(outs[1]),
		Costs:     nets.Scalar32(outs[2]),
		Prior:     nets.Scalar32(outs[3]),
		Secondary: nets.Scalar32(outs[4]),
		Total:     nets.Scalar32(outs[5]),
	}
	if !stats.finite() {
		err := errs.NumericInstabilityf(op, stats.diagnostics(), "training loss is not finite")
		m.markUnstable(err)
		return stats, err
	}
	klog.V(2).Infof("train step %d: frames=%.4g states=%.4g costs=%.4g prior=%.4g secondary=%.4g",
		stats.Step, stats.Frames, stats.States, stats.Costs, stats.Prior, stats.Secondary)
	return stats, nil
}

// Fit runs nSteps training steps on training batches of src.
func (m *Model) Fit(src datasets.Source, nSteps int, progress ProgressFunc) (TrainStats, error) {
	var last TrainStats
	for i := range nSteps {
		batch, err := src.NextBatch(datasets.Train)
		if err != nil {
			return last, errors.Wrapf(err, "reading batch %d", i)
		}
		if last, err = m.TrainStep(batch); err != nil {
			return last, err
		}
		if progress != nil {
			progress(i+1, nSteps)
		}
		if (i+1)%100 == 0 {
			klog.V(1).Infof("step %d/%d: loss %.4g", i+1, nSteps, last.Total)
		}
	}
	return last, nil
}

// TrainValueStep regresses the value function of the windows
// (frames [B, NCond, 3, H, W], states [B, NCond, StateSize]) onto
// returns [B, 1]. Only the value function is updated.
func (m *Model) TrainValueStep(frames, states, returns *tensors.Tensor) (float64, error) {
	const op = "model.TrainValueStep"
	if !m.cfg.ValueFunction {
		return 0, errs.Configurationf(op, "the model has no value function")
	}
	arch := m.cfg.Arch
	fd := nets.Dims(frames)
	if err := errs.CheckDims(op, "frames", fd, -1, arch.NCond, 3, arch.Height, arch.Width); err != nil {
		return 0, err
	}
	if err := errs.CheckDims(op, "states", nets.Dims(states), fd[0], arch.NCond, arch.StateSize); err != nil {
		return 0, err
	}
	if err := errs.CheckDims(op, "returns", nets.Dims(returns), fd[0], 1); err != nil {
		return 0, err
	}
	// Variables created while building the update graph would be trainable.
	if err := m.Initialize(); err != nil {
		return 0, err
	}
	exec, err := m.Executor(execKey("train_value"), func(ctx *context.Context, in []*Node) []*Node {
		ctx.SetTraining(in[0].Graph(), true)
		loss := mse(m.ValueGraph(ctx, in[0], in[1]), in[2])
		m.optimizer.UpdateGraph(ctx, in[0].Graph(), loss)
		return []*Node{loss}
	})
	if err != nil {
		return 0, err
	}
	var loss float64
	err = m.withTrainable(inScopes(ScopeValueFunction), func() error {
		outs, runErr := exec.Run(frames, states, returns)
		if runErr == nil {
			loss = nets.Scalar32(outs[0])
		}
		return runErr
	})
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		err := errs.NumericInstabilityf(op, map[string]any{"loss": loss}, "value loss is not finite")
		m.markUnstable(err)
		return loss, err
	}
	return loss, nil
}

// PriorLossThroughModel trains the mixture-density prior of the TEN variant
// on the latents the frozen model infers for a batch: the rollout is run
// without gradients and only the prior network is updated with the negative
// log-likelihood of the teacher latents. Returns the loss.
func (m *Model) PriorLossThroughModel(batch *datasets.Batch) (float64, error) {
	const op = "model.PriorLossThroughModel"
	if m.cfg.Variant != TEN || m.cfg.Beta <= 0 {
		return 0, errs.Configurationf(op, "the mixture prior needs the %s variant with beta > 0", TEN)
	}
	if err := m.checkBatch(op, batch); err != nil {
		return 0, err
	}
	if err := m.Initialize(); err != nil {
		return 0, err
	}
	steps := nets.Dims(batch.Actions)[1]
	opts := GraphOptions{Steps: steps, Sampling: SampleTeacher, Mode: ModeInfer}
	exec, err := m.Executor(execKey("train_prior", opts), func(ctx *context.Context, in []*Node) []*Node {
		pred := m.RolloutGraph(ctx, RolloutNodes{Frames: in[0], States: in[1], Actions: in[2], TargetFrames: in[3]}, opts)
		m.optimizer.UpdateGraph(ctx, in[0].Graph(), pred.PriorLoss)
		return []*Node{pred.PriorLoss}
	})
	if err != nil {
		return 0, err
	}
	var loss float64
	err = m.withTrainable(inScopes(ScopePriorMixture), func() error {
		outs, runErr := exec.Run(batch.Frames, batch.States, batch.Actions, batch.TargetFrames)
		if runErr == nil {
			loss = nets.Scalar32(outs[0])
		}
		return runErr
	})
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		err := errs.NumericInstabilityf(op, map[string]any{"prior": loss}, "prior loss is not finite")
		m.markUnstable(err)
		return loss, err
	}
	return loss, nil
}

// checkBatch validates a training batch.
func (m *Model) checkBatch(op string, batch *datasets.Batch) error {
	if batch == nil {
		return errs.Configurationf(op, "batch is nil")
	}
	arch := m.cfg.Arch
	req := RolloutRequest{Frames: batch.Frames, States: batch.States, Actions: batch.Actions,
		TargetFrames: batch.TargetFrames, Sampling: SampleTeacher}
	if err := m.checkRequest(op, req); err != nil {
		return err
	}
	if batch.TargetFrames == nil || batch.TargetStates == nil || batch.TargetCosts == nil {
		return errs.Configurationf(op, "batch has no targets")
	}
	ad := nets.Dims(batch.Actions)
	if err := errs.CheckDims(op, "target frames", nets.Dims(batch.TargetFrames), ad[0], ad[1], 3, arch.Height, arch.Width); err != nil {
		return err
	}
	if err := errs.CheckDims(op, "target states", nets.Dims(batch.TargetStates), ad[0], ad[1], arch.StateSize); err != nil {
		return err
	}
	return errs.CheckDims(op, "target costs", nets.Dims(batch.TargetCosts), ad[0], ad[1], nets.NumCosts)
}

func (m *Model) nextStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
	return m.steps
}
