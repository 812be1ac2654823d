// Package model implements the latent-variable forward model of the driving
// simulator: given a window of past frames and states and a sequence of
// actions it predicts future frames, states and costs, sampling a latent per
// step that carries what the actions don't explain.
//
// The package also owns the empirical latent distribution (compute_pz /
// compute_z_graph), the dropout based uncertainty estimator and its
// calibration, training steps and the warm start of a new model from the
// weights of a trained one.
package model

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Noofbiz/worldModel/cost"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/latent"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"k8s.io/klog/v2"
)

// Scopes of the sub-networks in the model's context.
const (
	ScopeEncoder        = "encoder"
	ScopeTargetEncoder  = "y_encoder"
	ScopeActionEncoder  = "a_encoder"
	ScopeLatentExpander = "z_expander"
	ScopeLatentNetwork  = "z_network"
	ScopeLatentPrior    = "z_network_prior"
	ScopePriorMixture   = "prior_network"
	ScopeActionIndep    = "action_indep"
	ScopeUNet           = "u_network"
	ScopeDecoder        = "decoder"
	ScopeValueFunction  = "value_function"
	ScopeZeroLatent     = "z_zero"
)

// Model is the forward model. Its methods are safe for concurrent use, except
// that EstimateLatentDistribution, BuildLatentGraph and SetLatentTable replace
// the latent distribution and wait for in-flight sampling to finish.
type Model struct {
	cfg    Config
	fusion nets.Fusion

	mu       sync.Mutex
	backend  backends.Backend
	ctx      *context.Context
	execs    map[string]*nets.Executor
	taskCost cost.Func
	stats    cost.Stats
	uStats   *UncertaintyStats
	unstable error

	optimizer   optimizers.Interface
	steps       int
	initialized bool

	sampler *latent.Sampler

	distMu sync.RWMutex
	table  *latent.Table
	index  *latent.Index

	pretrained *Bundle
}

// Option configures a Model at construction.
type Option func(m *Model) error

// WithStats sets the normalisation statistics of states and actions. The
// default leaves values unchanged.
func WithStats(stats cost.Stats) Option {
	return func(m *Model) error {
		if err := stats.Validate(m.cfg.StateSize, m.cfg.NActions); err != nil {
			return err
		}
		m.stats = stats.Clone()
		return nil
	}
}

// WithTaskCost sets the task cost used by the uncertainty estimator. The
// default is the proximity cost on unnormalised states.
func WithTaskCost(f cost.Func) Option {
	return func(m *Model) error {
		m.taskCost = f
		return nil
	}
}

// WithPretrained warm starts the encoder, decoder, action embedding and
// U-network from a trained model's weights. A nil bundle is ignored.
func WithPretrained(b *Bundle) Option {
	return func(m *Model) error {
		m.pretrained = b
		return nil
	}
}

// New creates a model. The configuration is validated before anything is
// allocated.
func New(cfg Config, backend backends.Backend, opts ...Option) (*Model, error) {
	variant, err := ParseVariant(string(cfg.Variant))
	if err != nil {
		return nil, err
	}
	cfg.Variant = variant
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errs.Configurationf("model.New", "backend is nil")
	}
	fusion, err := nets.FusionByName(cfg.Combine)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	m := &Model{
		cfg:       cfg,
		fusion:    fusion,
		backend:   backend,
		execs:     make(map[string]*nets.Executor),
		stats:     cost.IdentityStats(cfg.StateSize, cfg.NActions),
		sampler:   latent.NewSampler(seed),
		optimizer: optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.taskCost == nil {
		m.taskCost = cost.Proximity{Stats: m.stats, Unnormalize: true, GreenChannel: 1}
	}

	m.ctx = context.New().Checked(false)
	m.ctx.SetParam(initializers.ParamInitialSeed, seed)
	m.ctx.RngStateFromSeed(seed)
	if cfg.Variant.HasLatent() {
		m.ctx.In(ScopeZeroLatent).VariableWithValue("value", make([]float32, cfg.NZ)).SetTrainable(false)
	}

	if m.pretrained != nil {
		if err := m.transplant(m.pretrained); err != nil {
			return nil, err
		}
		m.pretrained = nil
	}
	klog.V(1).Infof("created %s model: %dx%d frames, ncond=%d, nfeature=%d, nz=%d, layers=%d",
		cfg.Variant, cfg.Height, cfg.Width, cfg.NCond, cfg.NFeature, cfg.NZ, cfg.Layers)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Stats returns the normalisation statistics.
func (m *Model) Stats() cost.Stats { return m.stats.Clone() }

// TaskCost returns the cost used by the uncertainty estimator.
func (m *Model) TaskCost() cost.Func { return m.taskCost }

// Context returns the context holding the model's variables. Graph functions
// built on top of the model (planner, policies) use it.
func (m *Model) Context() *context.Context { return m.ctx }

// Backend returns the backend the model currently runs on.
func (m *Model) Backend() backends.Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend
}

// Reseed resets the host sampler and the graph random state, so that the same
// sequence of calls gives bit-identical results.
func (m *Model) Reseed(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampler.Reseed(seed)
	m.ctx.RngStateFromSeed(seed)
}

// Sampler returns the host-side latent sampler.
func (m *Model) Sampler() *latent.Sampler { return m.sampler }

// Executor returns a cached executor for fn under key, creating it if needed.
// Executors are dropped when the model moves to another backend.
func (m *Model) Executor(key string, fn nets.GraphFn) (*nets.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unstable != nil {
		return nil, m.unstable
	}
	if e, ok := m.execs[key]; ok {
		return e, nil
	}
	e, err := nets.NewExecutor(m.backend, m.ctx, fn)
	if err != nil {
		return nil, err
	}
	m.execs[key] = e
	return e, nil
}

// markUnstable stops any further use of the model after a non-finite loss.
func (m *Model) markUnstable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unstable = err
	m.execs = make(map[string]*nets.Executor)
}

// withTrainable runs fn with only the variables whose scope matches keep
// marked trainable, restoring the flags afterwards.
func (m *Model) withTrainable(keep func(scope string) bool, fn func() error) error {
	saved := make(map[*context.Variable]bool)
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		saved[v] = v.Trainable
		if v.Trainable && !keep(v.Scope()) {
			v.SetTrainable(false)
		}
	})
	defer func() {
		for v, trainable := range saved {
			v.SetTrainable(trainable)
		}
	}()
	return fn()
}

// WithTrainableScopes runs fn with only the variables under the given scopes
// trainable: optimizer updates built inside fn leave every other variable
// untouched. The model's own variables are created first, so that variables
// created while building fn's graphs are the ones of the given scopes.
func (m *Model) WithTrainableScopes(scopes []string, fn func() error) error {
	if err := m.Initialize(); err != nil {
		return err
	}
	return m.withTrainable(inScopes(scopes...), fn)
}

// inScopes returns a predicate matching variables under any of the scopes.
func inScopes(scopes ...string) func(scope string) bool {
	return func(scope string) bool {
		for _, s := range scopes {
			if strings.HasPrefix(strings.TrimPrefix(scope, context.ScopeSeparator), s) {
				return true
			}
		}
		return false
	}
}

func notInScopes(scopes ...string) func(scope string) bool {
	in := inScopes(scopes...)
	return func(scope string) bool { return !in(scope) }
}

func execKey(parts ...any) string {
	return fmt.Sprintf("%v", parts)
}
