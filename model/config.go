package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
)

// Variant selects the forward model.
type Variant string

const (
	// Deterministic has no latent variable: the action embedding is fused
	// directly with the encoded window.
	Deterministic Variant = "fwd-cnn"

	// TEN ("target encoding network") encodes the true next frame into a
	// deterministic latent during training. When Beta > 0 a mixture-density
	// prior over these latents is trained jointly.
	TEN Variant = "fwd-cnn-ten3"

	// VAEFixedPrior encodes the next frame into a Gaussian posterior regularised
	// towards N(0, I).
	VAEFixedPrior Variant = "fwd-cnn-vae3-fp"

	// VAELearnedPrior regularises the posterior towards a Gaussian prior
	// predicted from the encoded window.
	VAELearnedPrior Variant = "fwd-cnn-vae3-lp"
)

// ParseVariant parses a variant name, case-insensitively.
func ParseVariant(name string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(name)))
	switch v {
	case Deterministic, TEN, VAEFixedPrior, VAELearnedPrior:
		return v, nil
	}
	return "", errs.Configurationf("model.ParseVariant", "unknown model variant %q", name)
}

// HasLatent reports whether the variant uses a latent variable.
func (v Variant) HasLatent() bool { return v != Deterministic }

// IsVAE reports whether the variant uses a Gaussian posterior.
func (v Variant) IsVAE() bool { return v == VAEFixedPrior || v == VAELearnedPrior }

// Config holds the model hyper-parameters.
type Config struct {
	nets.Arch

	// Variant of the forward model, see the Variant constants.
	Variant Variant `json:"model"`

	// NPred is the default prediction horizon.
	NPred int `json:"npred"`

	// ZMult selects how the latent and action embeddings are fused:
	// 0 fuses both with the Combine policy, 1 uses sigmoid gates:
	// h = h_x + σ(a) + (1-σ(a))·σ(z).
	ZMult int `json:"zmult"`

	// Beta weights the prior-matching loss in TrainStep. For the TEN variant
	// a value > 0 also enables the jointly trained mixture-density prior.
	Beta float64 `json:"beta"`

	// ActionIndepNet enables the action-independence heads (TEN variant).
	ActionIndepNet bool `json:"action_indep_net"`

	// ZDropout is the default probability of dropping a step's latent in training.
	ZDropout float64 `json:"z_dropout"`

	// TopZSample is the number of nearest neighbors the knn sampler picks from.
	TopZSample int `json:"topz_sample"`

	// NeighborK is the number of neighbors kept per row of the latent graph.
	NeighborK int `json:"neighbor_k"`

	// UHinge is the hinge margin of the uncertainty penalty.
	UHinge float64 `json:"u_hinge"`

	// ValueFunction attaches a value function to the model.
	ValueFunction bool `json:"value_function"`

	// LearningRate of the Adam optimizer used by TrainStep.
	LearningRate float64 `json:"lrt"`

	// Seed for parameter initialisation and sampling. Zero draws a seed from
	// the clock.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Arch:         nets.DefaultArch(),
		Variant:      TEN,
		NPred:        20,
		Beta:         0,
		ZDropout:     0.5,
		TopZSample:   50,
		NeighborK:    4000,
		UHinge:       1.0,
		LearningRate: 1e-4,
	}
}

// LoadConfig reads a JSON configuration file over the defaults. Keys not
// present in the file keep their default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if cfg.Variant, err = ParseVariant(string(cfg.Variant)); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration. It is called by New before any variable
// is created.
func (c Config) Validate() error {
	const op = "model.Config.Validate"
	if err := c.Arch.Validate(); err != nil {
		return err
	}
	if _, err := ParseVariant(string(c.Variant)); err != nil {
		return err
	}
	if c.Variant.HasLatent() && c.NZ < 1 {
		return errs.Configurationf(op, "variant %s needs nz >= 1", c.Variant)
	}
	if c.NPred < 1 {
		return errs.Configurationf(op, "npred must be >= 1, got %d", c.NPred)
	}
	if c.ZMult != 0 && c.ZMult != 1 {
		return errs.Configurationf(op, "zmult must be 0 or 1, got %d", c.ZMult)
	}
	if c.ZDropout < 0 || c.ZDropout > 1 {
		return errs.Configurationf(op, "z_dropout must be in [0, 1], got %g", c.ZDropout)
	}
	if c.Beta < 0 {
		return errs.Configurationf(op, "beta must be >= 0, got %g", c.Beta)
	}
	if c.ActionIndepNet && c.Variant != TEN {
		return errs.Configurationf(op, "action_indep_net requires the %s variant", TEN)
	}
	if c.TopZSample < 1 || c.NeighborK < 1 {
		return errs.Configurationf(op, "topz_sample and neighbor_k must be >= 1, got %d and %d", c.TopZSample, c.NeighborK)
	}
	if c.StateSize < 4 {
		return errs.Configurationf(op, "state_size must be >= 4 (position and velocity), got %d", c.StateSize)
	}
	return nil
}
