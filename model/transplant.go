package model

import (
	"slices"

	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// TransplantScopes are the sub-networks copied by WithPretrained.
var TransplantScopes = []string{ScopeEncoder, ScopeDecoder, ScopeActionEncoder, ScopeUNet}

// Bundle is a snapshot of a model's float32 variables keyed by
// "<scope>/<name>".
type Bundle struct {
	// NCond is the window length of the model the bundle was taken from.
	NCond int

	Values map[string]*tensors.Tensor
}

// Keys returns the sorted variable keys.
func (b *Bundle) Keys() []string {
	keys := make([]string, 0, len(b.Values))
	for k := range b.Values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func variableKey(v *context.Variable) string {
	return v.Scope() + context.ScopeSeparator + v.Name()
}

// Initialize creates all the model's variables by building a one step
// teacher-forced rollout (and the value function, if enabled). Other
// operations initialise variables lazily; Bundle and weight transplant need
// them upfront.
func (m *Model) Initialize() error {
	m.mu.Lock()
	done := m.initialized
	m.mu.Unlock()
	if done {
		return nil
	}
	arch := m.cfg.Arch
	exec, err := m.Executor(execKey("init"), func(ctx *context.Context, in []*Node) []*Node {
		pred := m.RolloutGraph(ctx, RolloutNodes{Frames: in[0], States: in[1], Actions: in[2], TargetFrames: in[3]},
			GraphOptions{Steps: 1, Sampling: SampleTeacher, Mode: ModeInfer})
		out := []*Node{pred.Costs}
		if m.cfg.ValueFunction {
			out = append(out, m.ValueGraph(ctx, pred.FinalFrames, pred.FinalStates))
		}
		return out
	})
	if err != nil {
		return err
	}
	_, err = exec.Run(
		nets.Zeros32(1, arch.NCond, 3, arch.Height, arch.Width),
		nets.Zeros32(1, arch.NCond, arch.StateSize),
		nets.Zeros32(1, 1, arch.NActions),
		nets.Zeros32(1, 1, 3, arch.Height, arch.Width))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Bundle snapshots the model's float32 variables, optimizer state excluded.
func (m *Model) Bundle() (*Bundle, error) {
	if err := m.Initialize(); err != nil {
		return nil, err
	}
	b := &Bundle{NCond: m.cfg.NCond, Values: make(map[string]*tensors.Tensor)}
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Shape().DType != dtypes.Float32 || !(v.Trainable || inScopes(ScopeZeroLatent)(v.Scope())) {
			return
		}
		t := v.Value()
		b.Values[variableKey(v)] = nets.Tensor32(nets.Flat32(t), nets.Dims(t)...)
	})
	return b, nil
}

// transplant copies the TransplantScopes variables of b into the model,
// resizing the window dimension of the encoder's input layers when the
// window lengths differ. All shapes are checked before anything is copied.
func (m *Model) transplant(b *Bundle) error {
	const op = "model.WithPretrained"
	if b == nil || len(b.Values) == 0 {
		return nil
	}
	if b.NCond < 1 {
		return errs.Configurationf(op, "bundle has no window length")
	}
	if err := m.Initialize(); err != nil {
		return err
	}
	type copyOp struct {
		v     *context.Variable
		value *tensors.Tensor
	}
	var ops []copyOp
	var firstErr error
	keep := inScopes(TransplantScopes...)
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if firstErr != nil || !keep(v.Scope()) || !v.Trainable {
			return
		}
		key := variableKey(v)
		src, ok := b.Values[key]
		if !ok {
			firstErr = errs.Configurationf(op, "pretrained weights have no %q", key)
			return
		}
		want := v.Shape().Dimensions
		value, err := resizeWindow(src, b.NCond, m.cfg.NCond, want)
		if err != nil {
			firstErr = errs.ShapeMismatchf(op, "%s: %v", key, err)
			return
		}
		ops = append(ops, copyOp{v: v, value: value})
	})
	if firstErr != nil {
		return firstErr
	}
	for _, c := range ops {
		c.v.SetValue(c.value)
	}
	klog.V(1).Infof("transplanted %d variables from a model with ncond=%d", len(ops), b.NCond)
	return nil
}

// resizeWindow returns a copy of src with dimensions want. The two may differ
// on a single axis holding oldN equal blocks, one per window entry: the most
// recent min(oldN, newN) blocks are kept, aligned to the end, and older
// missing blocks are zero.
func resizeWindow(src *tensors.Tensor, oldN, newN int, want []int) (*tensors.Tensor, error) {
	have := nets.Dims(src)
	data := nets.Flat32(src)
	if slices.Equal(have, want) {
		return nets.Tensor32(data, want...), nil
	}
	if len(have) != len(want) {
		return nil, errs.ShapeMismatchf("model.resizeWindow", "rank %d vs %d", len(have), len(want))
	}
	axis := -1
	for i := range have {
		if have[i] != want[i] {
			if axis >= 0 {
				return nil, errs.ShapeMismatchf("model.resizeWindow", "shapes %v and %v differ on more than one axis", have, want)
			}
			axis = i
		}
	}
	if have[axis]%oldN != 0 || want[axis]%newN != 0 || have[axis]/oldN != want[axis]/newN {
		return nil, errs.ShapeMismatchf("model.resizeWindow", "axis %d of %v and %v is not a window of %d and %d entries", axis, have, want, oldN, newN)
	}
	block := have[axis] / oldN
	outer, inner := 1, 1
	for i := 0; i < axis; i++ {
		outer *= have[i]
	}
	for i := axis + 1; i < len(have); i++ {
		inner *= have[i]
	}
	keep := min(oldN, newN)
	size := outer * want[axis] * inner
	out := make([]float32, size)
	for o := 0; o < outer; o++ {
		for k := 0; k < keep; k++ {
			srcEntry, dstEntry := oldN-keep+k, newN-keep+k
			for j := 0; j < block; j++ {
				srcOff := (o*have[axis] + srcEntry*block + j) * inner
				dstOff := (o*want[axis] + dstEntry*block + j) * inner
				copy(out[dstOff:dstOff+inner], data[srcOff:srcOff+inner])
			}
		}
	}
	return nets.Tensor32(out, want...), nil
}
