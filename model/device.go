package model

import (
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"
)

// MoveTo moves the model to another backend. Every variable (parameters,
// the zero latent, the random state and optimizer state) is copied to host
// memory and re-bound, and compiled graphs are dropped. The latent table,
// the neighbor index, the normalisation and uncertainty statistics live in
// host memory and are fed to each graph as inputs or constants, so they
// follow the model without copying.
func (m *Model) MoveTo(backend backends.Backend) error {
	if backend == nil {
		return errs.Configurationf("model.MoveTo", "backend is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if backend == m.backend {
		return nil
	}
	moved := 0
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		t := v.Value()
		if t == nil {
			return
		}
		v.SetValue(hostCopy(t))
		moved++
	})
	m.backend = backend
	m.execs = make(map[string]*nets.Executor)
	klog.V(1).Infof("moved %d variables to backend %s", moved, backend.Name())
	return nil
}

// hostCopy copies a tensor to a new host-only tensor.
func hostCopy(t *tensors.Tensor) *tensors.Tensor {
	return tensors.FromAnyValue(t.Value())
}
