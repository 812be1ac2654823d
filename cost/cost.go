package cost

import (
	"math"

	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Func is a task cost evaluated on a predicted rollout.
//
// StepCosts takes the predicted frames [batch, steps, 3, H, W], predicted
// states [batch, steps, StateSize] and car sizes [batch, 2] (width and length,
// in feet) and returns one cost per step, [batch, steps].
type Func interface {
	StepCosts(frames, states, carSizes *Node) *Node
}

// Proximity penalises other vehicles (green channel) close to the ego car.
//
// A mask is built per step: along the frame height it grows linearly from 0 at
// the safety distance (which increases with speed) to 1 next to the car; along
// the width it grows from the car's side to its center line. The cost is the
// maximum of mask * green channel.
type Proximity struct {
	// Stats are used to recover speeds from standardised states when
	// Unnormalize is set.
	Stats       Stats
	Unnormalize bool

	// GreenChannel is the channel holding the other vehicles, 1 by default.
	GreenChannel int
}

// Geometry of the proximity mask.
const (
	// Scale is the number of pixels per frame unit.
	Scale = 0.25

	// SafeFactor multiplies the speed into the safety distance.
	SafeFactor = 1.5

	// pixelsPerFoot converts car sizes to pixels: lanes are 3.7m wide and 24
	// pixels before scaling.
	pixelsPerFoot = Scale * 0.3048 * 24 / 3.7

	// pixelsPerMetre is one metre after scaling.
	pixelsPerMetre = Scale * 24 / 3.7
)

// StepCosts implements Func.
func (p Proximity) StepCosts(frames, states, carSizes *Node) *Node {
	g := frames.Graph()
	dtype := frames.DType()
	fd := frames.Shape().Dimensions
	batch, steps, height, width := fd[0], fd[1], fd[3], fd[4]
	stateSize := states.Shape().Dimensions[2]
	n := batch * steps

	// Gradients flow only through the frames.
	st := Reshape(StopGradient(states), n, stateSize)
	if p.Unnormalize {
		std := make([]float32, stateSize)
		for i, v := range p.Stats.StateStd {
			std[i] = v + 1e-8
		}
		st = Mul(st, BroadcastToDims(Reshape(Const(g, std), 1, stateSize), n, stateSize))
		st = Add(st, BroadcastToDims(Reshape(Const(g, p.Stats.StateMean), 1, stateSize), n, stateSize))
	}
	velocity := nets.Narrow(st, 1, 2, 4)
	speed := MulScalar(Sqrt(ReduceSum(Square(velocity), 1)), Scale)

	cs := Reshape(BroadcastToDims(Reshape(StopGradient(carSizes), batch, 1, 2), batch, steps, 2), n, 2)
	carWidth := MulScalar(Reshape(nets.Narrow(cs, 1, 0, 1), n), pixelsPerFoot)
	carLength := MulScalar(Reshape(nets.Narrow(cs, 1, 1, 2), n), pixelsPerFoot)

	safeDistance := AddScalar(MulScalar(Abs(speed), SafeFactor), pixelsPerMetre)
	alpha := pixelsPerMetre
	zero := ScalarZero(g, dtype)

	maxX := Ceil(MulScalar(Sub(Scalar(g, dtype, float64(height)), Max(AddScalar(carWidth, -alpha), zero)), 0.5))
	maxY := Ceil(MulScalar(Sub(Scalar(g, dtype, float64(width)), Max(AddScalar(carLength, -alpha), zero)), 0.5))
	minX := Max(Sub(maxX, safeDistance), zero)
	minY := Ceil(Sub(Scalar(g, dtype, float64(width)/2), carLength))

	xFilter := rampFilter(g, height, n, minX, maxX)
	yFilter := rampFilter(g, width, n, minY, maxY)

	mask := Mul(
		BroadcastToDims(Reshape(xFilter, n, height, 1), n, height, width),
		BroadcastToDims(Reshape(yFilter, n, 1, width), n, height, width))
	green := Reshape(nets.Narrow(frames, 2, p.GreenChannel, p.GreenChannel+1), n, height, width)
	costs := ReduceMax(Mul(mask, green), 1, 2)
	return Reshape(costs, batch, steps)
}

// rampFilter is the triangle (1-|linspace(-1,1,size)|)*size/2 clamped to
// [lo, hi] and rescaled to [0, 1], for each of the n rows. lo and hi are [n].
func rampFilter(g *Graph, size, n int, lo, hi *Node) *Node {
	tri := make([]float32, size)
	for i := range tri {
		x := -1.0
		if size > 1 {
			x = -1 + 2*float64(i)/float64(size-1)
		}
		tri[i] = float32((1 - math.Abs(x)) * float64(size) / 2)
	}
	f := BroadcastToDims(Reshape(ConvertDType(Const(g, tri), lo.DType()), 1, size), n, size)
	loB := BroadcastToDims(Reshape(lo, n, 1), n, size)
	hiB := BroadcastToDims(Reshape(hi, n, 1), n, size)
	f = Max(Min(f, hiB), loB)
	den := Max(Sub(hiB, loB), ConstAs(hiB, 1e-6))
	return Div(Sub(f, loB), den)
}

// Quadratic is the squared distance of selected state dimensions to a fixed
// target.
type Quadratic struct {
	// Target holds one value per entry of Dims.
	Target []float32

	// Dims are the state dimensions compared to Target, e.g. {0, 1} for the
	// position.
	Dims []int
}

// StepCosts implements Func.
func (q Quadratic) StepCosts(_, states, _ *Node) *Node {
	dims := states.Shape().Dimensions
	batch, steps := dims[0], dims[1]
	var total *Node
	for i, d := range q.Dims {
		s := Reshape(nets.Narrow(states, 2, d, d+1), batch, steps)
		diff := Square(AddScalar(s, -float64(q.Target[i])))
		if total == nil {
			total = diff
		} else {
			total = Add(total, diff)
		}
	}
	if total == nil {
		return ZerosLike(Reshape(nets.Narrow(states, 2, 0, 1), batch, steps))
	}
	return total
}

// Sum adds weighted costs.
type Sum struct {
	Terms   []Func
	Weights []float64
}

// StepCosts implements Func.
func (s Sum) StepCosts(frames, states, carSizes *Node) *Node {
	var total *Node
	for i, term := range s.Terms {
		c := term.StepCosts(frames, states, carSizes)
		if i < len(s.Weights) {
			c = MulScalar(c, s.Weights[i])
		}
		if total == nil {
			total = c
		} else {
			total = Add(total, c)
		}
	}
	return total
}
