package cost

import (
	"math"
	"testing"

	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

func run(t *testing.T, fn nets.GraphFn, inputs ...*tensors.Tensor) []*tensors.Tensor {
	backend, err := simplego.New("")
	if err != nil {
		t.Fatalf("simplego.New: %v", err)
	}
	exec, err := nets.NewExecutor(backend, context.New(), fn)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	outputs, err := exec.Run(inputs...)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return outputs
}

func checkNear(t *testing.T, what string, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", what, got, want)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("%s: got %v, want %v", what, got, want)
		}
	}
}

// proximityFrames has an empty road at step 0 and a car (green) right next
// to the ego car at step 1.
func proximityFrames(batch, steps, h, w int) []float32 {
	frames := make([]float32, batch*steps*3*h*w)
	green := func(step, y, x int) int { return ((step*3+1)*h+y)*w + x }
	for y := h/2 - 2; y < h/2+2; y++ {
		for x := w/2 - 1; x <= w/2; x++ {
			frames[green(1, y, x)] = 1
		}
	}
	return frames
}

func TestDiscountWeights(t *testing.T) {
	w := DiscountWeights(3, 0.99)
	checkNear(t, "weights", w, []float32{1, 0.99, 0.9801}, 1e-6)
}

func TestProximityCost(t *testing.T) {
	const batch, steps, h, w = 1, 2, 32, 16
	frames := proximityFrames(batch, steps, h, w)
	states := make([]float32, batch*steps*4)
	carSizes := []float32{6.4, 14.3}
	outputs := run(t, func(ctx *context.Context, inputs []*Node) []*Node {
		p := Proximity{GreenChannel: 1}
		return []*Node{p.StepCosts(inputs[0], inputs[1], inputs[2])}
	}, nets.Tensor32(frames, batch, steps, 3, h, w), nets.Tensor32(states, batch, steps, 4), nets.Tensor32(carSizes, batch, 2))
	costs := nets.Flat32(outputs[0])
	if len(costs) != 2 {
		t.Fatalf("got %d costs, want 2", len(costs))
	}
	if math.Abs(float64(costs[0])) > 1e-6 {
		t.Errorf("no other vehicles, no cost: got %g", costs[0])
	}
	if costs[1] <= 0.5 || costs[1] > 1 {
		t.Errorf("vehicle next to the ego car: cost %g, want in (0.5, 1]", costs[1])
	}
}

// The planner differentiates the proximity cost through the frames; the
// gradient is nonzero only on the green channel.
func TestProximityCostGradient(t *testing.T) {
	const batch, steps, h, w = 1, 2, 32, 16
	frames := proximityFrames(batch, steps, h, w)
	outputs := run(t, func(ctx *context.Context, inputs []*Node) []*Node {
		p := Proximity{GreenChannel: 1}
		c := ReduceAllSum(p.StepCosts(inputs[0], inputs[1], inputs[2]))
		return []*Node{Gradient(c, inputs[0])[0]}
	}, nets.Tensor32(frames, batch, steps, 3, h, w), nets.Zeros32(batch, steps, 4), nets.Tensor32([]float32{6.4, 14.3}, batch, 2))
	grad := nets.Flat32(outputs[0])
	var green, other float64
	for i, g := range grad {
		if (i/(h*w))%3 == 1 {
			green += math.Abs(float64(g))
		} else {
			other += math.Abs(float64(g))
		}
	}
	if green == 0 {
		t.Error("no gradient reaches the green channel")
	}
	if other != 0 {
		t.Errorf("gradient leaks to other channels: %g", other)
	}
}

func TestQuadraticCost(t *testing.T) {
	states := []float32{
		0, 0, 5, 5,
		1, 2, 5, 5,
	}
	outputs := run(t, func(ctx *context.Context, inputs []*Node) []*Node {
		q := Quadratic{Target: []float32{10, 0}, Dims: []int{0, 1}}
		return []*Node{q.StepCosts(nil, inputs[0], nil)}
	}, nets.Tensor32(states, 1, 2, 4))
	checkNear(t, "costs", nets.Flat32(outputs[0]), []float32{100, 81 + 4}, 0)
}

func TestUncertaintyPenalty(t *testing.T) {
	variance := []float32{1, 5, 0.5, 9}
	outputs := run(t, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{UncertaintyPenalty(inputs[0], []float32{1, 1}, []float32{1, 2}, 1)}
	}, nets.Tensor32(variance, 2, 2))
	// ReLU((v-1)/std - 1)
	want := []float32{0, float32(math.Max(0, 4.0/2-1)), 0, float32(math.Max(0, 8.0/2-1))}
	checkNear(t, "penalty", nets.Flat32(outputs[0]), want, 1e-6)
}

func TestDiscountedMean(t *testing.T) {
	outputs := run(t, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{DiscountedMean(inputs[0], 0.5)}
	}, nets.Tensor32([]float32{1, 1, 1, 1}, 1, 4))
	if got, want := nets.Scalar32(outputs[0]), (1+0.5+0.25+0.125)/4; math.Abs(got-want) > 1e-6 {
		t.Fatalf("DiscountedMean = %g, want %g", got, want)
	}
}

func TestStatsActions(t *testing.T) {
	s := IdentityStats(4, 2)
	s.ActionStd = []float32{2, 1}
	s.ActionMean = []float32{0, 1}
	a := []float32{5, -0.5}
	s.UnnormalizeActions(a, 3)
	checkNear(t, "actions", a, []float32{6, 0.5}, 0)
	if err := s.Validate(5, 2); err == nil {
		t.Error("Validate must reject a state size that does not match the statistics")
	}
}

func TestStatsStatesRoundTrip(t *testing.T) {
	s := IdentityStats(2, 1)
	s.StateMean = []float32{10, -4}
	s.StateStd = []float32{5, 0.5}
	states := []float32{20, -4, 0, -3}
	want := append([]float32(nil), states...)
	s.NormalizeStates(states)
	if math.Abs(float64(states[0]-2)) > 1e-5 || math.Abs(float64(states[3]-2)) > 1e-5 {
		t.Fatalf("normalized states %v", states)
	}
	s.UnnormalizeStates(states)
	checkNear(t, "round trip", states, want, 1e-4)
}
