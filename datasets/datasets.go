// Package datasets produces batches of driving episodes for the world model:
// conditioning windows of frames and states, the actions taken, and the
// frames, states and costs that followed.
//
// Two sources are provided. Synthetic simulates a straight multi-lane road with
// a handful of vehicles around the ego car. TrajectoryDataset lazily reads
// recorded episodes from CSV files, grouped by an episode identifier, and
// renders their frames with the same Renderer.
//
// Frames are in [0, 1], channels-first: red holds the lane markings, green
// the other vehicles and blue the ego car.
package datasets

import (
	"fmt"

	"github.com/Noofbiz/worldModel/errs"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Split names a partition of a dataset.
type Split string

const (
	Train Split = "train"
	Valid Split = "valid"
	Test  Split = "test"
)

// NumCosts is the number of cost signals per step: proximity and lane.
const NumCosts = 2

// Shape describes the batches a source produces.
type Shape struct {
	BatchSize int `json:"batch_size"`
	Height    int `json:"height"`
	Width     int `json:"width"`
	NCond     int `json:"ncond"`
	NPred     int `json:"npred"`
	StateSize int `json:"state_size"`
	NActions  int `json:"n_actions"`
}

// Validate checks that all dimensions are positive and that the state holds
// position and velocity.
func (s Shape) Validate() error {
	const op = "datasets.Shape.Validate"
	if s.BatchSize < 1 || s.Height < 1 || s.Width < 1 || s.NCond < 1 || s.NPred < 1 {
		return errs.Configurationf(op, "batch size, frame size, ncond and npred must be positive: %+v", s)
	}
	if s.StateSize != 4 {
		return errs.Configurationf(op, "episodes have 4 state values (x, y, vx, vy), got state_size %d", s.StateSize)
	}
	if s.NActions != 2 {
		return errs.Configurationf(op, "episodes have 2 actions (acceleration, steering), got n_actions %d", s.NActions)
	}
	return nil
}

// Batch is a batch of episode segments.
type Batch struct {
	// Frames [B, NCond, 3, H, W] and States [B, NCond, StateSize] are the
	// conditioning window.
	Frames, States *tensors.Tensor

	// Actions [B, NPred, NActions] taken after the window.
	Actions *tensors.Tensor

	// TargetFrames [B, NPred, 3, H, W], TargetStates [B, NPred, StateSize]
	// and TargetCosts [B, NPred, NumCosts] that followed.
	TargetFrames, TargetStates, TargetCosts *tensors.Tensor

	// CarSizes [B, 2] are the ego car's width and length in feet.
	CarSizes *tensors.Tensor
}

// Size returns the batch size.
func (b *Batch) Size() int {
	return b.Frames.Shape().Dimensions[0]
}

// Source produces batches. Implementations are safe for concurrent use.
type Source interface {
	// Shape of the batches produced.
	Shape() Shape

	// NextBatch returns a new batch from the split.
	NextBatch(split Split) (*Batch, error)
}

// batchBuffers accumulates a batch in flat row-major buffers.
type batchBuffers struct {
	shape                                                       Shape
	frames, states, actions, tFrames, tStates, tCosts, carSizes []float32
}

func newBatchBuffers(shape Shape) *batchBuffers {
	b, f := shape.BatchSize, 3*shape.Height*shape.Width
	return &batchBuffers{
		shape:    shape,
		frames:   make([]float32, b*shape.NCond*f),
		states:   make([]float32, b*shape.NCond*shape.StateSize),
		actions:  make([]float32, b*shape.NPred*shape.NActions),
		tFrames:  make([]float32, b*shape.NPred*f),
		tStates:  make([]float32, b*shape.NPred*shape.StateSize),
		tCosts:   make([]float32, b*shape.NPred*NumCosts),
		carSizes: make([]float32, b*2),
	}
}

// setEpisode copies the NCond+NPred steps of an episode segment into
// example b. The action of step t is the one taken after frame t; the actions
// of the window's last NPred steps are kept.
func (bb *batchBuffers) setEpisode(b int, seg *segment) error {
	s := bb.shape
	total := s.NCond + s.NPred
	if len(seg.frames) != total || len(seg.states) != total || len(seg.actions) != total || len(seg.costs) != total {
		return fmt.Errorf("episode segment has %d frames, %d states, %d actions and %d costs, wanted %d each",
			len(seg.frames), len(seg.states), len(seg.actions), len(seg.costs), total)
	}
	f := 3 * s.Height * s.Width
	for t := 0; t < total; t++ {
		if t < s.NCond {
			copy(bb.frames[(b*s.NCond+t)*f:], seg.frames[t])
			copy(bb.states[(b*s.NCond+t)*s.StateSize:], seg.states[t])
			continue
		}
		p := t - s.NCond
		copy(bb.tFrames[(b*s.NPred+p)*f:], seg.frames[t])
		copy(bb.tStates[(b*s.NPred+p)*s.StateSize:], seg.states[t])
		copy(bb.tCosts[(b*s.NPred+p)*NumCosts:], seg.costs[t])
		copy(bb.actions[(b*s.NPred+p)*s.NActions:], seg.actions[t-1])
	}
	bb.carSizes[2*b] = seg.carWidth
	bb.carSizes[2*b+1] = seg.carLength
	return nil
}

func (bb *batchBuffers) toBatch() *Batch {
	s := bb.shape
	return &Batch{
		Frames:       tensors.FromFlatDataAndDimensions(bb.frames, s.BatchSize, s.NCond, 3, s.Height, s.Width),
		States:       tensors.FromFlatDataAndDimensions(bb.states, s.BatchSize, s.NCond, s.StateSize),
		Actions:      tensors.FromFlatDataAndDimensions(bb.actions, s.BatchSize, s.NPred, s.NActions),
		TargetFrames: tensors.FromFlatDataAndDimensions(bb.tFrames, s.BatchSize, s.NPred, 3, s.Height, s.Width),
		TargetStates: tensors.FromFlatDataAndDimensions(bb.tStates, s.BatchSize, s.NPred, s.StateSize),
		TargetCosts:  tensors.FromFlatDataAndDimensions(bb.tCosts, s.BatchSize, s.NPred, NumCosts),
		CarSizes:     tensors.FromFlatDataAndDimensions(bb.carSizes, s.BatchSize, 2),
	}
}

// segment is NCond+NPred consecutive steps of an episode, with rendered frames.
type segment struct {
	frames  [][]float32 // [3*H*W] each
	states  [][]float32
	actions [][]float32
	costs   [][]float32

	carWidth, carLength float32
}
