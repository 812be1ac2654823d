package nets

import (
	"sync"

	"github.com/Noofbiz/worldModel/errs"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// GraphFn builds a graph from a list of inputs and returns a list of outputs.
type GraphFn func(ctx *context.Context, inputs []*Node) []*Node

// Executor compiles and runs a GraphFn. Graphs are compiled once per
// combination of input shapes.
//
// Errors of the errs package raised (panicked) while building the graph are
// returned unchanged, so callers can match them with errors.Is.
type Executor struct {
	exec *context.Exec

	mu       sync.Mutex
	buildErr error
}

// NewExecutor creates an Executor for fn, bound to backend and ctx.
func NewExecutor(backend backends.Backend, ctx *context.Context, fn GraphFn) (*Executor, error) {
	e := &Executor{}
	wrapped := func(ctx *context.Context, inputs []*Node) []*Node {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok {
					var kindErr *errs.Error
					if errors.As(err, &kindErr) {
						e.buildErr = err
					}
				}
				panic(r)
			}
		}()
		return fn(ctx, inputs)
	}
	exec, err := context.NewExec(backend, ctx, wrapped)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create graph executor")
	}
	e.exec = exec
	return e, nil
}

// Run executes the graph on the given inputs.
func (e *Executor) Run(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buildErr = nil
	args := make([]any, len(inputs))
	for i, t := range inputs {
		args[i] = t
	}
	var execErr error
	panicked := exceptions.TryCatch[error](func() {
		outputs, execErr = e.exec.Exec(args...)
	})
	if e.buildErr != nil {
		return nil, e.buildErr
	}
	if panicked != nil {
		return nil, errors.Wrap(panicked, "graph execution failed")
	}
	if execErr != nil {
		return nil, errors.Wrap(execErr, "graph execution failed")
	}
	return outputs, nil
}
