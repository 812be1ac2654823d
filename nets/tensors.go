package nets

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Tensor32 creates a float32 tensor with the given dimensions. data is used
// as is (not copied) and must have the matching size.
func Tensor32(data []float32, dims ...int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// Zeros32 creates a float32 tensor filled with zeros.
func Zeros32(dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return Tensor32(make([]float32, size), dims...)
}

// Flat32 returns a copy of the contents of a float32 tensor, in row-major order.
func Flat32(t *tensors.Tensor) []float32 {
	return tensors.CopyFlatData[float32](t)
}

// Scalar32 returns the value of a scalar float32 tensor as float64.
func Scalar32(t *tensors.Tensor) float64 {
	flat := Flat32(t)
	if len(flat) == 0 {
		return math.NaN()
	}
	return float64(flat[0])
}

// Dims returns the dimensions of a tensor, or nil for a nil tensor.
func Dims(t *tensors.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape().Dimensions
}

// AllFinite reports whether all values are finite.
func AllFinite(values []float32) bool {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
