// Package cost holds the task costs evaluated on predicted rollouts, the
// discounting used by the planner, the uncertainty hinge penalty and the
// normalisation statistics of states and actions.
package cost

import (
	"github.com/Noofbiz/worldModel/errs"
)

// Stats are the dataset normalisation statistics. States and actions seen by
// the model are standardised: (x - mean) / std.
type Stats struct {
	StateMean  []float32 `json:"s_mean"`
	StateStd   []float32 `json:"s_std"`
	ActionMean []float32 `json:"a_mean"`
	ActionStd  []float32 `json:"a_std"`
}

// IdentityStats returns statistics that leave values unchanged.
func IdentityStats(stateSize, nActions int) Stats {
	fill := func(n int, v float32) []float32 {
		s := make([]float32, n)
		for i := range s {
			s[i] = v
		}
		return s
	}
	return Stats{
		StateMean:  fill(stateSize, 0),
		StateStd:   fill(stateSize, 1),
		ActionMean: fill(nActions, 0),
		ActionStd:  fill(nActions, 1),
	}
}

// Validate checks the statistics against the state and action sizes.
func (s Stats) Validate(stateSize, nActions int) error {
	const op = "cost.Stats.Validate"
	if len(s.StateMean) != stateSize || len(s.StateStd) != stateSize {
		return errs.ShapeMismatchf(op, "state statistics have %d/%d values, wanted %d", len(s.StateMean), len(s.StateStd), stateSize)
	}
	if len(s.ActionMean) != nActions || len(s.ActionStd) != nActions {
		return errs.ShapeMismatchf(op, "action statistics have %d/%d values, wanted %d", len(s.ActionMean), len(s.ActionStd), nActions)
	}
	return nil
}

// Clone returns a deep copy.
func (s Stats) Clone() Stats {
	cp := func(v []float32) []float32 { return append([]float32(nil), v...) }
	return Stats{StateMean: cp(s.StateMean), StateStd: cp(s.StateStd), ActionMean: cp(s.ActionMean), ActionStd: cp(s.ActionStd)}
}

// NormalizeStates standardises flat states in place; len(states) must be a
// multiple of the state size.
func (s Stats) NormalizeStates(states []float32) {
	n := len(s.StateMean)
	for i := range states {
		states[i] = (states[i] - s.StateMean[i%n]) / (s.StateStd[i%n] + 1e-8)
	}
}

// UnnormalizeActions clamps flat standardised actions to ±clip and maps them
// back to action units, in place.
func (s Stats) UnnormalizeActions(actions []float32, clip float32) {
	n := len(s.ActionMean)
	for i, a := range actions {
		if a > clip {
			a = clip
		} else if a < -clip {
			a = -clip
		}
		actions[i] = a*s.ActionStd[i%n] + s.ActionMean[i%n]
	}
}

// UnnormalizeStates maps flat standardised states back to state units, in
// place.
func (s Stats) UnnormalizeStates(states []float32) {
	n := len(s.StateMean)
	for i, v := range states {
		states[i] = v*(s.StateStd[i%n]+1e-8) + s.StateMean[i%n]
	}
}
