// Package policy holds the policy networks driving the forward model and
// their training: imitation of dataset actions, and stochastic value
// gradients (SVG) backpropagated through the frozen forward model.
//
// Latent-conditioned policies (TEN and VAE) draw a new latent every
// ActionsSubsample steps. The step index and the current latent travel in an
// explicit StepState from one step to the next.
package policy

import (
	"strings"

	"github.com/Noofbiz/worldModel/errs"
)

// Kind selects the policy network.
type Kind string

const (
	// Deterministic outputs the action directly.
	Deterministic Kind = "policy-deterministic"

	// Gaussian outputs a diagonal Gaussian over actions, sampled with the
	// reparameterisation trick.
	Gaussian Kind = "policy-gauss"

	// MDN outputs a mixture of Gaussians over actions.
	MDN Kind = "policy-mdn"

	// TEN is a Gaussian policy conditioned on a latent inferred from the
	// next ActionsSubsample frames. At run time the latents are drawn from
	// the ones saved during imitation training.
	TEN Kind = "policy-ten"

	// VAE is a Gaussian policy conditioned on a Gaussian latent with a
	// learned prior, sampled from the prior at run time.
	VAE Kind = "policy-vae"
)

// ParseKind parses a policy name, case-insensitively.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	switch k {
	case Deterministic, Gaussian, MDN, TEN, VAE:
		return k, nil
	}
	return "", errs.Configurationf("policy.ParseKind", "unknown policy %q", name)
}

// HasLatent reports whether the policy is latent-conditioned.
func (k Kind) HasLatent() bool { return k == TEN || k == VAE }

// Config holds the policy hyper-parameters.
type Config struct {
	Kind Kind `json:"policy"`

	NHidden  int `json:"n_hidden"`
	NMixture int `json:"n_mixture"`

	// ContextDim is the latent size of the latent-conditioned policies.
	ContextDim int `json:"context_dim"`

	// ActionsSubsample is the number of steps between latent draws.
	ActionsSubsample int `json:"actions_subsample"`

	// LatentDropout is the probability of zeroing the latent while training.
	LatentDropout float64 `json:"z_dropout"`

	// StdMult scales the action noise of the candidates of SelectAction.
	StdMult float64 `json:"std_mult"`

	LearningRate float64 `json:"lrt"`

	// Gamma discounts the SVG cost, UReg weights its uncertainty penalty
	// estimated over NModels dropout replicas.
	Gamma   float64 `json:"gamma"`
	UReg    float64 `json:"u_reg"`
	NModels int     `json:"n_models"`

	// SelectAction rolls NActionSamples candidate first actions over
	// NFutures futures of NPred steps.
	NActionSamples int `json:"n_action_samples"`
	NFutures       int `json:"n_futures"`
	NPred          int `json:"npred"`

	// Normalize maps raw observations to model units and actions back, with
	// actions clipped to ±ActionClip before.
	Normalize  bool    `json:"normalize"`
	ActionClip float64 `json:"action_clip"`
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{
		Kind:             Gaussian,
		NHidden:          256,
		NMixture:         10,
		ContextDim:       2,
		ActionsSubsample: 4,
		StdMult:          10,
		LearningRate:     1e-4,
		Gamma:            0.99,
		NModels:          10,
		NActionSamples:   10,
		NFutures:         5,
		NPred:            20,
		Normalize:        true,
		ActionClip:       3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	const op = "policy.Config.Validate"
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	switch {
	case c.NHidden < 1:
		return errs.Configurationf(op, "n_hidden must be >= 1, got %d", c.NHidden)
	case c.Kind == MDN && c.NMixture < 1:
		return errs.Configurationf(op, "n_mixture must be >= 1, got %d", c.NMixture)
	case c.Kind.HasLatent() && (c.ContextDim < 1 || c.ActionsSubsample < 1):
		return errs.Configurationf(op, "context_dim and actions_subsample must be >= 1, got %d and %d", c.ContextDim, c.ActionsSubsample)
	case c.LatentDropout < 0 || c.LatentDropout >= 1:
		return errs.Configurationf(op, "z_dropout must be in [0, 1), got %g", c.LatentDropout)
	case c.LearningRate <= 0:
		return errs.Configurationf(op, "lrt must be > 0, got %g", c.LearningRate)
	case c.Gamma <= 0 || c.Gamma > 1:
		return errs.Configurationf(op, "gamma must be in (0, 1], got %g", c.Gamma)
	case c.UReg < 0 || (c.UReg > 0 && c.NModels < 2):
		return errs.Configurationf(op, "u_reg=%g needs n_models >= 2, got %d", c.UReg, c.NModels)
	case c.NActionSamples < 1 || c.NFutures < 1 || c.NPred < 1:
		return errs.Configurationf(op, "n_action_samples, n_futures and npred must be >= 1")
	case c.Normalize && c.ActionClip <= 0:
		return errs.Configurationf(op, "action_clip must be > 0, got %g", c.ActionClip)
	}
	return nil
}
