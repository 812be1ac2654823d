// Package nets holds the graph-level building blocks of the world model: the
// feature encoder, the U-network refinement, the decoder heads, the latent
// networks (expander, posterior, prior, mixture density) and the value
// function.
//
// All images inside a graph are channels-last, shaped
// [batch, height, width, channels]. The conversion from/to the
// [batch, time, 3, height, width] layout used at the public boundary is done by
// FramesToNHWC and NHWCToFrame.
package nets

import (
	"github.com/Noofbiz/worldModel/errs"
)

// Arch describes the shape of the networks. It is embedded in the model
// configuration and serialised as part of it.
type Arch struct {
	// Height and Width of the frames. Both must be divisible by 2^Layers.
	Height int `json:"height"`
	Width  int `json:"width"`

	// NCond is the number of conditioning frames (the window length).
	NCond int `json:"ncond"`

	// StateSize is the size of the ego state vector (position and velocity).
	StateSize int `json:"state_size"`

	// NActions is the size of an action vector.
	NActions int `json:"n_actions"`

	// NFeature is the channel count of the hidden map.
	NFeature int `json:"nfeature"`

	// NHidden is the width of the fully connected blocks of the prior networks.
	NHidden int `json:"n_hidden"`

	// NZ is the latent size. Zero for the deterministic variant.
	NZ int `json:"nz"`

	// NMixture is the number of mixture components of the mixture-density heads.
	NMixture int `json:"n_mixture"`

	// Layers is the depth of the convolutional encoder/decoder: 3 or 4.
	Layers int `json:"layers"`

	// Dropout rate used throughout. Dropout is only active in training mode.
	Dropout float64 `json:"dropout"`

	// Combine selects the fusion policy: "add", "mult" or "concat".
	Combine string `json:"combine"`

	// NoUNet disables the U-network refinement.
	NoUNet bool `json:"no_unet"`
}

// NumCosts is the number of cost signals predicted per step (proximity and lane).
const NumCosts = 2

// DefaultArch returns the default architecture.
func DefaultArch() Arch {
	return Arch{
		Height:    112,
		Width:     32,
		NCond:     20,
		StateSize: 4,
		NActions:  2,
		NFeature:  256,
		NHidden:   256,
		NZ:        32,
		NMixture:  10,
		Layers:    3,
		Dropout:   0.1,
		Combine:   "add",
	}
}

// HiddenHeight is the height of the hidden map.
func (a Arch) HiddenHeight() int { return a.Height >> a.Layers }

// HiddenWidth is the width of the hidden map.
func (a Arch) HiddenWidth() int { return a.Width >> a.Layers }

// HiddenSize is the number of elements of the hidden map of one example.
func (a Arch) HiddenSize() int { return a.NFeature * a.HiddenHeight() * a.HiddenWidth() }

// FeatureMaps returns the channel counts of the encoder convolutions, from the
// input side. The decoder uses them in reverse.
func (a Arch) FeatureMaps() []int {
	if a.Layers == 4 {
		return []int{a.NFeature / 8, a.NFeature / 4, a.NFeature / 2, a.NFeature}
	}
	return []int{a.NFeature / 4, a.NFeature / 2, a.NFeature}
}

// Validate checks the architecture before any variable is created.
func (a Arch) Validate() error {
	const op = "nets.Arch.Validate"
	if a.Layers != 3 && a.Layers != 4 {
		return errs.Configurationf(op, "layers must be 3 or 4, got %d", a.Layers)
	}
	if a.NCond < 1 {
		return errs.Configurationf(op, "ncond must be >= 1, got %d", a.NCond)
	}
	if a.StateSize < 1 || a.NActions < 1 {
		return errs.Configurationf(op, "state_size and n_actions must be >= 1, got %d and %d", a.StateSize, a.NActions)
	}
	div := 1 << a.Layers
	if a.NFeature < div/2 || a.NFeature%(div/2) != 0 {
		return errs.Configurationf(op, "nfeature=%d must be a positive multiple of %d for %d layers", a.NFeature, div/2, a.Layers)
	}
	if a.Height <= 0 || a.Width <= 0 || a.Height%div != 0 || a.Width%div != 0 {
		return errs.Configurationf(op, "frame size %dx%d must be divisible by %d for %d layers", a.Height, a.Width, div, a.Layers)
	}
	hh, hw := a.HiddenHeight(), a.HiddenWidth()
	if hh < 2 || hw < 2 {
		return errs.Configurationf(op, "hidden map %dx%d too small: decoder needs at least 2x2", hh, hw)
	}
	if !a.NoUNet {
		if a.Layers != 3 {
			return errs.Configurationf(op, "the U-network requires layers=3, got %d (set no_unet)", a.Layers)
		}
		if hh%2 != 0 || hw%2 != 0 {
			return errs.Configurationf(op, "the U-network requires an even hidden map, got %dx%d", hh, hw)
		}
	}
	if a.NZ < 0 {
		return errs.Configurationf(op, "nz must be >= 0, got %d", a.NZ)
	}
	if a.NMixture < 1 {
		return errs.Configurationf(op, "n_mixture must be >= 1, got %d", a.NMixture)
	}
	if a.NHidden < 1 {
		return errs.Configurationf(op, "n_hidden must be >= 1, got %d", a.NHidden)
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return errs.Configurationf(op, "dropout must be in [0, 1), got %g", a.Dropout)
	}
	if _, err := FusionByName(a.Combine); err != nil {
		return err
	}
	return nil
}
