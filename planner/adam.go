package planner

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Adam constants, the usual defaults.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// MaxGradNorm bounds the norm of the action and latent gradients.
const MaxGradNorm = 1.0

// clipByNorm scales grad so its L2 norm is at most maxNorm. It also returns
// the norm before clipping.
func clipByNorm(grad *Node, maxNorm float64) (clipped, norm *Node) {
	norm = Sqrt(ReduceAllSum(Square(grad)))
	limit := ConstAs(norm, maxNorm)
	scale := Div(limit, Max(norm, limit))
	return Mul(grad, BroadcastToDims(scale, grad.Shape().Dimensions...)), norm
}

// adamStep applies one Adam update to x. step is the number of updates
// already applied (a scalar), m and v the moments. Returns the new value and
// moments.
func adamStep(x, grad, m, v, step *Node, lr float64) (newX, newM, newV *Node) {
	dims := x.Shape().Dimensions
	t := AddScalar(step, 1)
	newM = Add(MulScalar(m, adamBeta1), MulScalar(grad, 1-adamBeta1))
	newV = Add(MulScalar(v, adamBeta2), MulScalar(Square(grad), 1-adamBeta2))
	bias1 := OneMinus(Pow(ConstAs(t, adamBeta1), t))
	bias2 := OneMinus(Pow(ConstAs(t, adamBeta2), t))
	mHat := Div(newM, BroadcastToDims(bias1, dims...))
	vHat := Div(newV, BroadcastToDims(bias2, dims...))
	update := Div(mHat, AddScalar(Sqrt(vHat), adamEpsilon))
	newX = Sub(x, MulScalar(update, lr))
	return
}
