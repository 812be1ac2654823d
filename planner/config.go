// Package planner optimises action sequences by gradient descent through the
// forward model (model-predictive control).
//
// Each Plan call runs a fixed number of Adam iterations on the action
// sequence: a rollout of NFutures futures with latents drawn from the fixed
// prior, a discounted task cost (plus the value of the final window and the
// uncertainty penalty when configured), an action gradient clipped to norm 1
// and one Adam step. The resulting actions and the Adam moments are kept in an
// ActionBuffer, so the next call starts from them shifted by the number of
// executed actions.
package planner

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Noofbiz/worldModel/errs"
)

// Config holds the planner hyper-parameters.
type Config struct {
	// NPred is the planning horizon.
	NPred int `json:"npred"`

	// NFutures is the number of futures (latent sequences) the cost is
	// averaged over.
	NFutures int `json:"n_futures"`

	// NIter is the number of optimisation iterations per Plan call.
	NIter int `json:"bprop_niter"`

	// LearningRate of the action (and latent) Adam steps.
	LearningRate float64 `json:"bprop_lrt"`

	// UReg weights the uncertainty penalty. Zero disables it.
	UReg float64 `json:"u_reg"`

	// NModels is the number of dropout replicas of the uncertainty estimate.
	NModels int `json:"n_models"`

	// Gamma is the per-step cost discount.
	Gamma float64 `json:"gamma"`

	// NExec is the number of planned actions executed between calls: the
	// warm start shifts the buffer by this many steps.
	NExec int `json:"nexec"`

	UseActionBuffer bool `json:"use_action_buffer"`

	// SaveOptStats carries the Adam moments over between calls.
	SaveOptStats bool `json:"save_opt_stats"`

	// OptimizeLatents also updates the latents, by gradient ascent: the
	// actions are optimised against the worst futures found.
	OptimizeLatents bool `json:"optimize_z"`

	// Normalize maps raw observations (frames in [0, 255], states in
	// simulator units) to model units and the planned actions back.
	Normalize bool `json:"normalize"`

	// ActionClip bounds the normalised actions before they are mapped back.
	ActionClip float64 `json:"action_clip"`
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		NPred:           50,
		NFutures:        5,
		NIter:           5,
		LearningRate:    1.0,
		NModels:         10,
		Gamma:           0.99,
		NExec:           1,
		UseActionBuffer: true,
		SaveOptStats:    true,
		Normalize:       true,
		ActionClip:      3,
	}
}

// LoadConfig reads a JSON configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading planner config %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing planner config %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c Config) Validate() error {
	const op = "planner.Config.Validate"
	switch {
	case c.NPred < 1:
		return errs.Configurationf(op, "npred must be >= 1, got %d", c.NPred)
	case c.NFutures < 1:
		return errs.Configurationf(op, "n_futures must be >= 1, got %d", c.NFutures)
	case c.NIter < 0:
		return errs.Configurationf(op, "bprop_niter must be >= 0, got %d", c.NIter)
	case c.LearningRate <= 0:
		return errs.Configurationf(op, "bprop_lrt must be > 0, got %g", c.LearningRate)
	case c.UReg < 0:
		return errs.Configurationf(op, "u_reg must be >= 0, got %g", c.UReg)
	case c.UReg > 0 && c.NModels < 2:
		return errs.Configurationf(op, "the uncertainty penalty needs n_models >= 2, got %d", c.NModels)
	case c.Gamma <= 0 || c.Gamma > 1:
		return errs.Configurationf(op, "gamma must be in (0, 1], got %g", c.Gamma)
	case c.NExec < 0 || c.NExec > c.NPred:
		return errs.Configurationf(op, "nexec must be in [0, npred], got %d", c.NExec)
	case c.Normalize && c.ActionClip <= 0:
		return errs.Configurationf(op, "action_clip must be > 0, got %g", c.ActionClip)
	}
	return nil
}
