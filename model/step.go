package model

import (
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// MaxState is the bound of the normalised predicted states.
const MaxState = 6.0

// encodeWindow encodes the conditioning window into the hidden map h_x.
func (m *Model) encodeWindow(ctx *context.Context, frames, states *Node) *Node {
	return nets.Encode(ctx.In(ScopeEncoder), m.cfg.Arch, frames, states, nil)
}

// fuse combines h_x with the action embedding and, if z is not nil, the
// expanded latent.
func (m *Model) fuse(ctx *context.Context, hx, action, z *Node) *Node {
	arch := m.cfg.Arch
	a := nets.ActionEmbedding(ctx.In(ScopeActionEncoder), arch, action)
	var zh *Node
	if z != nil {
		zh = nets.ExpandLatent(ctx.In(ScopeLatentExpander), arch, z)
	}
	if m.cfg.ZMult == 0 {
		h := hx
		if zh != nil {
			h = m.fusion.Fuse(ctx.In("fuse_latent"), h, zh)
		}
		return m.fusion.Fuse(ctx.In("fuse_action"), h, a)
	}
	gate := Sigmoid(a)
	h := Add(hx, gate)
	if zh != nil {
		h = Add(h, Mul(OneMinus(gate), Sigmoid(zh)))
	}
	return h
}

// predict decodes one step from h_x, the action and the latent. The frame is
// sigmoid(raw + last frame) and the state is the last state plus the raw
// delta, clamped to ±MaxState.
//
// Returns frame [B, 1, 3, H, W], state [B, StateSize] and costs [B, NumCosts].
func (m *Model) predict(ctx *context.Context, hx, frames, states, action, z *Node) (frame, state, costs *Node) {
	arch := m.cfg.Arch
	h := m.fuse(ctx, hx, action, z)
	if !arch.NoUNet {
		h = Add(h, nets.UNet(ctx.In(ScopeUNet), arch, h))
	}
	dec := nets.Decode(ctx.In(ScopeDecoder), arch, h)

	nCond := frames.Shape().Dimensions[1]
	lastFrame := nets.Narrow(frames, 1, nCond-1, nCond)
	raw := nets.NHWCToFrame(nets.CropNHWC(dec.Frame, arch.Height, arch.Width))
	frame = Sigmoid(Add(raw, lastFrame))

	batch := states.Shape().Dimensions[0]
	lastState := Reshape(nets.Narrow(states, 1, nCond-1, nCond), batch, arch.StateSize)
	state = nets.ClampScalar(Add(dec.State, lastState), -MaxState, MaxState)
	return frame, state, dec.Cost
}

// shiftWindow drops the oldest entry of the window and appends the prediction.
func shiftWindow(frames, states, frame, state *Node) (*Node, *Node) {
	dims := states.Shape().Dimensions
	batch, nCond, stateSize := dims[0], dims[1], dims[2]
	state = Reshape(state, batch, 1, stateSize)
	if nCond == 1 {
		return frame, state
	}
	frames = Concatenate([]*Node{nets.Narrow(frames, 1, 1, nCond), frame}, 1)
	states = Concatenate([]*Node{nets.Narrow(states, 1, 1, nCond), state}, 1)
	return frames, states
}

// StepGraph predicts one step from a window, an action [B, NActions] and a
// latent [B, NZ] (nil for the deterministic variant). It is used by policies
// that interleave their own computation with the model's.
func (m *Model) StepGraph(ctx *context.Context, frames, states, action, z *Node) (frame, state, costs *Node) {
	m.checkWindow("model.StepGraph", frames, states)
	if m.cfg.Variant.HasLatent() && z == nil {
		z = m.zeroLatent(ctx, frames.Graph(), frames.Shape().Dimensions[0])
	}
	if !m.cfg.Variant.HasLatent() {
		z = nil
	}
	hx := m.encodeWindow(ctx, frames, states)
	return m.predict(ctx, hx, frames, states, action, z)
}

// ValueGraph evaluates the value function on a window, returning [B, 1].
// States are not differentiated through.
func (m *Model) ValueGraph(ctx *context.Context, frames, states *Node) *Node {
	if !m.cfg.ValueFunction {
		panic(errs.Configurationf("model.ValueGraph", "the model has no value function"))
	}
	return nets.ValueFunction(ctx.In(ScopeValueFunction), m.cfg.Arch, frames, StopGradient(states))
}

// checkWindow panics with a ShapeMismatch error if the window is malformed.
func (m *Model) checkWindow(op string, frames, states *Node) {
	arch := m.cfg.Arch
	fd := frames.Shape().Dimensions
	if err := errs.CheckDims(op, "frames", fd, -1, arch.NCond, 3, arch.Height, arch.Width); err != nil {
		panic(err)
	}
	if err := errs.CheckDims(op, "states", states.Shape().Dimensions, fd[0], arch.NCond, arch.StateSize); err != nil {
		panic(err)
	}
}
