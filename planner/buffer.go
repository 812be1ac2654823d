package planner

// ActionBuffer keeps the last planned action sequence and the Adam state of
// its optimisation, in model units, laid out [NPred, NActions] row-major.
type ActionBuffer struct {
	NPred, NActions int

	Actions []float32

	// M and V are the Adam first and second moments of Actions.
	M, V []float32

	// Step is the number of Adam updates behind M and V.
	Step int
}

// NewActionBuffer returns a zero buffer.
func NewActionBuffer(npred, nActions int) *ActionBuffer {
	n := npred * nActions
	return &ActionBuffer{
		NPred:    npred,
		NActions: nActions,
		Actions:  make([]float32, n),
		M:        make([]float32, n),
		V:        make([]float32, n),
	}
}

// Shift returns a copy advanced by n steps: row i takes row i+n and the last
// n rows are zero, for the actions and both moments. The step count is kept.
func (b *ActionBuffer) Shift(n int) *ActionBuffer {
	out := NewActionBuffer(b.NPred, b.NActions)
	out.Step = b.Step
	if n >= b.NPred {
		return out
	}
	if n < 0 {
		n = 0
	}
	offset := n * b.NActions
	copy(out.Actions, b.Actions[offset:])
	copy(out.M, b.M[offset:])
	copy(out.V, b.V[offset:])
	return out
}

// Clone returns a deep copy.
func (b *ActionBuffer) Clone() *ActionBuffer {
	out := NewActionBuffer(b.NPred, b.NActions)
	copy(out.Actions, b.Actions)
	copy(out.M, b.M)
	copy(out.V, b.V)
	out.Step = b.Step
	return out
}

// resetMoments drops the optimiser state, keeping the actions.
func (b *ActionBuffer) resetMoments() {
	clear(b.M)
	clear(b.V)
	b.Step = 0
}
