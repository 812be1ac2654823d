package datasets

import (
	"math"

	"github.com/Noofbiz/worldModel/cost"
	"gonum.org/v1/gonum/stat"
)

// EstimateStats computes the per-dimension mean and standard deviation of
// raw states and actions. Dimensions with zero spread get a unit deviation.
func EstimateStats(states, actions [][]float32) cost.Stats {
	mean, std := columnStats(states)
	aMean, aStd := columnStats(actions)
	return cost.Stats{StateMean: mean, StateStd: std, ActionMean: aMean, ActionStd: aStd}
}

func columnStats(rows [][]float32) (mean, std []float32) {
	if len(rows) == 0 {
		return nil, nil
	}
	n := len(rows[0])
	mean, std = make([]float32, n), make([]float32, n)
	col := make([]float64, len(rows))
	for j := range n {
		for i, r := range rows {
			col[i] = float64(r[j])
		}
		m, s := stat.MeanStdDev(col, nil)
		if s == 0 || math.IsNaN(s) {
			s = 1
		}
		mean[j], std[j] = float32(m), float32(s)
	}
	return
}
