// Package monte draws Monte Carlo futures from a forward model: one window
// and one action sequence rolled out under many latent draws (fixed prior or
// nearest neighbors of the empirical table), then summarised per step.
package monte

import (
	"encoding/json"
	"os"

	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/model"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Point is an ego position, in state units.
type Point struct {
	X float32
	Y float32
}

// SimulationResult holds the future of a single Monte Carlo draw.
type SimulationResult struct {
	// Trajectory is the predicted ego position at each step.
	Trajectory []Point

	// Proximity and Lane are the predicted costs of each step.
	Proximity []float32
	Lane      []float32

	// LatentRows are the table rows drawn at each step. Nil for the
	// deterministic model.
	LatentRows []int
}

// Final returns the last position of the trajectory.
func (r SimulationResult) Final() Point {
	return r.Trajectory[len(r.Trajectory)-1]
}

// Config holds the simulation tunables.
type Config struct {
	// Sims is the number of futures drawn per call.
	Sims int `json:"sims"`

	// BatchSize bounds the futures rolled out by one graph execution.
	BatchSize int `json:"batch_size"`

	// Sampling is "fp" or "knn".
	Sampling string `json:"sampling"`

	// Stochastic keeps dropout on, so the deterministic model's futures
	// differ too.
	Stochastic bool `json:"stochastic"`
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{Sims: 60, BatchSize: 20, Sampling: "knn"}
}

// LoadConfig reads a JSON file over the defaults. Either the tunables object
// itself or an object with a "monte" field holding it is accepted.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading monte config %s", path)
	}
	var wrapped struct {
		Monte *json.RawMessage `json:"monte"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Monte != nil {
		data = *wrapped.Monte
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Configurationf("monte.LoadConfig", "parsing %s: %v", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the tunables.
func (c Config) Validate() error {
	const op = "monte.Config.Validate"
	if c.Sims < 1 || c.BatchSize < 1 {
		return errs.Configurationf(op, "sims and batch_size must be >= 1, got %d and %d", c.Sims, c.BatchSize)
	}
	s, err := model.ParseSampling(c.Sampling)
	if err != nil {
		return err
	}
	if s != model.SampleFixedPrior && s != model.SampleKNN {
		return errs.Configurationf(op, "sampling must be fp or knn, got %s", s)
	}
	return nil
}

// Monte runs Monte Carlo simulations of a model.
type Monte struct {
	model    *model.Model
	cfg      Config
	sampling model.Sampling
}

// NewMonte creates a simulator for m.
func NewMonte(m *model.Model, cfg Config) (*Monte, error) {
	if m == nil {
		return nil, errs.Configurationf("monte.NewMonte", "model is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sampling, _ := model.ParseSampling(cfg.Sampling)
	return &Monte{model: m, cfg: cfg, sampling: sampling}, nil
}

// Config returns the simulation tunables.
func (mc *Monte) Config() Config { return mc.cfg }

// Simulate rolls the window (frames [NCond, 3, H, W], states
// [NCond, StateSize]) out with actions [steps, NActions], all in model units,
// under Config.Sims latent draws. Results come back in draw order.
//
// Futures are rolled out in batches of at most Config.BatchSize. With knn
// sampling every future starts from the fixed prior and walks the neighbor
// graph from there.
func (mc *Monte) Simulate(frames, states, actions *tensors.Tensor) ([]SimulationResult, error) {
	const op = "monte.Simulate"
	mcfg := mc.model.Config()
	if frames == nil || states == nil || actions == nil {
		return nil, errs.Configurationf(op, "frames, states and actions are required")
	}
	if err := errs.CheckDims(op, "frames", nets.Dims(frames), mcfg.NCond, 3, mcfg.Height, mcfg.Width); err != nil {
		return nil, err
	}
	if err := errs.CheckDims(op, "states", nets.Dims(states), mcfg.NCond, mcfg.StateSize); err != nil {
		return nil, err
	}
	ad := nets.Dims(actions)
	if err := errs.CheckDims(op, "actions", ad, -1, mcfg.NActions); err != nil {
		return nil, err
	}
	steps := ad[0]
	if steps < 1 {
		return nil, errs.Configurationf(op, "need at least one action")
	}

	fd, sd, actd := nets.Flat32(frames), nets.Flat32(states), nets.Flat32(actions)
	stats := mc.model.Stats()
	results := make([]SimulationResult, 0, mc.cfg.Sims)
	for start := 0; start < mc.cfg.Sims; start += mc.cfg.BatchSize {
		n := min(mc.cfg.BatchSize, mc.cfg.Sims-start)
		sampling := model.SampleZero
		if mcfg.Variant.HasLatent() {
			sampling = mc.sampling
		}
		pred, err := mc.model.Rollout(model.RolloutRequest{
			Frames:     nets.Tensor32(tile(fd, n), n, mcfg.NCond, 3, mcfg.Height, mcfg.Width),
			States:     nets.Tensor32(tile(sd, n), n, mcfg.NCond, mcfg.StateSize),
			Actions:    nets.Tensor32(tile(actd, n), n, steps, mcfg.NActions),
			Sampling:   sampling,
			Mode:       model.ModeInfer,
			Stochastic: mc.cfg.Stochastic,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "simulating futures %d..%d", start, start+n-1)
		}
		predStates := nets.Flat32(pred.States)
		stats.UnnormalizeStates(predStates)
		costs := nets.Flat32(pred.Costs)
		for b := range n {
			r := SimulationResult{
				Trajectory: make([]Point, steps),
				Proximity:  make([]float32, steps),
				Lane:       make([]float32, steps),
			}
			for t := range steps {
				s := predStates[(b*steps+t)*mcfg.StateSize:]
				r.Trajectory[t] = Point{X: s[0], Y: s[1]}
				c := costs[(b*steps+t)*nets.NumCosts:]
				r.Proximity[t], r.Lane[t] = c[0], c[1]
			}
			if pred.LatentIndices != nil {
				r.LatentRows = append([]int(nil), pred.LatentIndices[b*steps:(b+1)*steps]...)
			}
			results = append(results, r)
		}
	}
	klog.V(1).Infof("simulated %d futures of %d steps (%s sampling)", len(results), steps, mc.sampling)
	return results, nil
}

// PredictNextFrame returns the mean ego position after the first action over
// Config.Sims futures.
func (mc *Monte) PredictNextFrame(frames, states, actions *tensors.Tensor) (float64, float64, error) {
	results, err := mc.Simulate(frames, states, actions)
	if err != nil {
		return 0, 0, err
	}
	s := Summarize(results)
	return float64(s.Mean[0].X), float64(s.Mean[0].Y), nil
}

// Summary are per-step statistics over simulated futures.
type Summary struct {
	Mean, Std []Point

	ProximityMean, ProximityStd []float64
}

// Summarize computes the per-step mean and standard deviation of positions
// and proximity costs across results, which must share their length.
func Summarize(results []SimulationResult) Summary {
	if len(results) == 0 {
		return Summary{}
	}
	steps := len(results[0].Trajectory)
	s := Summary{
		Mean:          make([]Point, steps),
		Std:           make([]Point, steps),
		ProximityMean: make([]float64, steps),
		ProximityStd:  make([]float64, steps),
	}
	xs := make([]float64, len(results))
	ys := make([]float64, len(results))
	ps := make([]float64, len(results))
	for t := range steps {
		for i, r := range results {
			xs[i] = float64(r.Trajectory[t].X)
			ys[i] = float64(r.Trajectory[t].Y)
			ps[i] = float64(r.Proximity[t])
		}
		mx, sx := meanStd(xs)
		my, sy := meanStd(ys)
		s.Mean[t] = Point{X: float32(mx), Y: float32(my)}
		s.Std[t] = Point{X: float32(sx), Y: float32(sy)}
		s.ProximityMean[t], s.ProximityStd[t] = meanStd(ps)
	}
	return s
}

func meanStd(x []float64) (float64, float64) {
	if len(x) < 2 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

// tile repeats data n times.
func tile(data []float32, n int) []float32 {
	out := make([]float32, 0, len(data)*n)
	for range n {
		out = append(out, data...)
	}
	return out
}
