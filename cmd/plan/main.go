// Command plan trains a forward model on driving episodes, estimates its
// latent distribution, calibrates the uncertainty penalty and then drives the
// ego car in imagination: at each step the planner optimises an action
// sequence, the first actions are executed by the model and the predicted
// frames become the next observation. Monte Carlo futures of the last plan
// and the planner's cost history are plotted, and the executed actions are
// written to CSV.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Noofbiz/worldModel/cost"
	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/model"
	"github.com/Noofbiz/worldModel/monte"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/Noofbiz/worldModel/planner"
	"github.com/Noofbiz/worldModel/policy"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// defaultConfigJSON is written to data.json when no -config path is given and
// the file does not exist yet, so the defaults can be edited on disk. CLI
// flags override the values of the file.
const defaultConfigJSON = `{
  "data": {
    "batch_size": 8,
    "episode_column": "episode"
  },
  "model": {
    "model": "fwd-cnn-ten3",
    "height": 32,
    "width": 32,
    "ncond": 4,
    "npred": 8,
    "state_size": 4,
    "n_actions": 2,
    "nfeature": 32,
    "n_hidden": 64,
    "nz": 16,
    "n_mixture": 5,
    "layers": 3,
    "dropout": 0.1,
    "z_dropout": 0.5,
    "topz_sample": 20,
    "neighbor_k": 200,
    "u_hinge": 1.0,
    "lrt": 0.0005
  },
  "training": {
    "steps": 500,
    "estimate_batches": 20,
    "calibrate_batches": 10,
    "policy_steps": 200,
    "svg_steps": 50
  },
  "planner": {
    "npred": 8,
    "n_futures": 5,
    "bprop_niter": 5,
    "bprop_lrt": 0.1,
    "u_reg": 0.05,
    "n_models": 5,
    "gamma": 0.99,
    "nexec": 1,
    "use_action_buffer": true,
    "save_opt_stats": true,
    "normalize": false,
    "action_clip": 3
  },
  "policy": {
    "policy": "",
    "npred": 8,
    "n_hidden": 64,
    "n_mixture": 5,
    "context_dim": 4,
    "actions_subsample": 4,
    "lrt": 0.0001,
    "gamma": 0.99,
    "n_models": 5,
    "n_action_samples": 8,
    "n_futures": 4,
    "std_mult": 1.0,
    "normalize": false,
    "action_clip": 3
  },
  "monte": {
    "sims": 60,
    "batch_size": 20,
    "sampling": "knn"
  }
}
`

type dataConfig struct {
	BatchSize     int    `json:"batch_size"`
	EpisodeColumn string `json:"episode_column"`
}

type trainingConfig struct {
	Steps            int `json:"steps"`
	EstimateBatches  int `json:"estimate_batches"`
	CalibrateBatches int `json:"calibrate_batches"`

	// PolicySteps of imitation, then SVGSteps of stochastic value gradients.
	PolicySteps int `json:"policy_steps"`
	SVGSteps    int `json:"svg_steps"`
}

// runConfig is the layout of data.json.
type runConfig struct {
	Data     dataConfig     `json:"data"`
	Model    model.Config   `json:"model"`
	Training trainingConfig `json:"training"`
	Planner  planner.Config `json:"planner"`
	Policy   policy.Config  `json:"policy"`
	Monte    monte.Config   `json:"monte"`
}

func defaultRunConfig() runConfig {
	cfg := runConfig{
		Data:     dataConfig{BatchSize: 8, EpisodeColumn: "episode"},
		Model:    model.DefaultConfig(),
		Training: trainingConfig{Steps: 500, EstimateBatches: 20, CalibrateBatches: 10, PolicySteps: 200, SVGSteps: 50},
		Planner:  planner.DefaultConfig(),
		Policy:   policy.DefaultConfig(),
		Monte:    monte.DefaultConfig(),
	}
	// Observations come from the dataset, already in model units.
	cfg.Planner.Normalize = false
	cfg.Policy.Normalize = false
	cfg.Policy.Kind = ""
	return cfg
}

// loadRunConfig reads path over the defaults, writing the embedded defaults
// there first when writeDefault is set and the file is missing.
func loadRunConfig(path string, writeDefault bool) (runConfig, error) {
	cfg := defaultRunConfig()
	if writeDefault {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(defaultConfigJSON), 0644); err != nil {
				klog.Warningf("failed to write default config to %s: %v", path, err)
				return cfg, json.Unmarshal([]byte(defaultConfigJSON), &cfg)
			}
			klog.Infof("Wrote default config to %s", path)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// source is a dataset that also provides its normalisation statistics.
type source interface {
	datasets.Source
	Stats() cost.Stats
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	configPath := flag.String("config", "", "path to the JSON configuration (default: data.json, created from the embedded defaults if missing)")
	dataDir := flag.String("data", "", "directory of episode CSV files; empty uses synthetic episodes")
	outDir := flag.String("out", "plots", "output directory for plots and the actions CSV")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	variant := flag.String("model", "", "forward model variant (overrides JSON if provided)")
	trainSteps := flag.Int("train-steps", -1, "forward model training steps (overrides JSON if >= 0)")
	episodeSteps := flag.Int("steps", 20, "number of imagined control steps")
	policyKind := flag.String("policy", "", "policy network to train and query: policy-deterministic, policy-gauss, policy-mdn, policy-ten or policy-vae (overrides JSON if provided)")
	policySteps := flag.Int("policy-steps", -1, "policy imitation steps (overrides JSON if >= 0)")
	svgSteps := flag.Int("svg-steps", -1, "policy stochastic value gradient steps (overrides JSON if >= 0)")
	monteSims := flag.Int("monte-sims", 0, "number of Monte Carlo futures of the last plan (overrides JSON if > 0)")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	flag.Parse()

	path := *configPath
	if strings.TrimSpace(path) == "" {
		path = "data.json"
	}
	cfg, err := loadRunConfig(path, *configPath == "")
	if err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}
	if *variant != "" {
		cfg.Model.Variant = model.Variant(*variant)
	}
	if *trainSteps >= 0 {
		cfg.Training.Steps = *trainSteps
	}
	if *policyKind != "" {
		cfg.Policy.Kind = policy.Kind(*policyKind)
	}
	if *policySteps >= 0 {
		cfg.Training.PolicySteps = *policySteps
	}
	if *svgSteps >= 0 {
		cfg.Training.SVGSteps = *svgSteps
	}
	if *monteSims > 0 {
		cfg.Monte.Sims = *monteSims
	}
	cfg.Model.Seed = *seed
	if *printEffectiveConfig {
		out, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(out))
		return
	}

	src, err := openSource(*dataDir, cfg, *seed)
	if err != nil {
		klog.Fatalf("failed to open dataset: %v", err)
	}

	backend, err := simplego.New("")
	if err != nil {
		klog.Fatalf("failed to create backend: %v", err)
	}
	m, err := model.New(cfg.Model, backend, model.WithStats(src.Stats()))
	if err != nil {
		klog.Fatalf("failed to create model: %v", err)
	}
	klog.Infof("Model %s: %dx%d frames, %d conditioning steps", m.Config().Variant, cfg.Model.Height, cfg.Model.Width, cfg.Model.NCond)

	if cfg.Training.Steps > 0 {
		bar := newBar(cfg.Training.Steps, "training model")
		stats, err := m.Fit(src, cfg.Training.Steps, bar.progress)
		bar.done()
		if err != nil {
			klog.Fatalf("training failed: %v", err)
		}
		klog.Infof("Trained %s steps: frames %.4g, states %.4g, costs %.4g, prior %.4g",
			humanize.Comma(int64(cfg.Training.Steps)), stats.Frames, stats.States, stats.Costs, stats.Prior)
	}
	if m.Config().Variant.HasLatent() {
		bar := newBar(cfg.Training.EstimateBatches, "estimating latents")
		table, err := m.EstimateLatentDistribution(src, cfg.Training.EstimateBatches, bar.progress)
		bar.done()
		if err != nil {
			klog.Fatalf("latent estimation failed: %v", err)
		}
		start := time.Now()
		if _, err := m.BuildLatentGraph(context.Background()); err != nil {
			klog.Fatalf("building the latent graph failed: %v", err)
		}
		klog.Infof("Latent graph over %s latents built in %s", humanize.Comma(int64(table.Len())), time.Since(start).Round(time.Millisecond))
	}
	if cfg.Planner.UReg > 0 || cfg.Policy.UReg > 0 {
		bar := newBar(cfg.Training.CalibrateBatches, "calibrating uncertainty")
		_, err := m.EstimateUncertaintyStats(src, cfg.Training.CalibrateBatches, cfg.Planner.NModels, bar.progress)
		bar.done()
		if err != nil {
			klog.Fatalf("uncertainty calibration failed: %v", err)
		}
	}

	batch, err := src.NextBatch(datasets.Test)
	if err != nil {
		klog.Fatalf("failed to read a test batch: %v", err)
	}
	frames, states := example(batch.Frames, 0), example(batch.States, 0)
	carSize := [2]float32{}
	copy(carSize[:], nets.Flat32(example(batch.CarSizes, 0)))

	if cfg.Policy.Kind != "" {
		if err := runPolicy(m, src, cfg, frames, states, carSize); err != nil {
			klog.Fatalf("policy: %v", err)
		}
	}

	pl, err := planner.New(m, cfg.Planner)
	if err != nil {
		klog.Fatalf("failed to create planner: %v", err)
	}
	run, err := drive(m, pl, frames, states, carSize, *episodeSteps)
	if err != nil {
		klog.Fatalf("driving failed: %v", err)
	}

	if err := ensureDir(*outDir); err != nil {
		klog.Fatalf("failed to create %s: %v", *outDir, err)
	}
	csvPath := filepath.Join(*outDir, "actions.csv")
	if err := writeActionsCSV(csvPath, run); err != nil {
		klog.Fatalf("failed to write %s: %v", csvPath, err)
	}
	klog.Infof("Wrote %d executed actions to %s", len(run.actions), csvPath)
	if err := plotCosts(*outDir, run.costs); err != nil {
		klog.Errorf("failed to plot costs: %v", err)
	}

	mc, err := monte.NewMonte(m, cfg.Monte)
	if err != nil {
		klog.Fatalf("failed to create monte simulator: %v", err)
	}
	last := run.last
	results, err := mc.Simulate(run.frames, run.states, nets.Tensor32(last.Normalized, last.NPred, last.NActions))
	if err != nil {
		klog.Fatalf("monte simulation failed: %v", err)
	}
	summary := monte.Summarize(results)
	final := summary.Mean[len(summary.Mean)-1]
	klog.Infof("Monte: %d futures, final position (%.2f, %.2f) ± (%.2f, %.2f)", len(results), final.X, final.Y,
		summary.Std[len(summary.Std)-1].X, summary.Std[len(summary.Std)-1].Y)
	if err := plotFutures(*outDir, results, summary); err != nil {
		klog.Errorf("failed to plot futures: %v", err)
	}
}

func openSource(dir string, cfg runConfig, seed int64) (source, error) {
	shape := datasets.Shape{
		BatchSize: cfg.Data.BatchSize,
		Height:    cfg.Model.Height,
		Width:     cfg.Model.Width,
		NCond:     cfg.Model.NCond,
		NPred:     cfg.Model.NPred,
		StateSize: cfg.Model.StateSize,
		NActions:  cfg.Model.NActions,
	}
	if strings.TrimSpace(dir) == "" {
		klog.Infof("Using synthetic episodes")
		return datasets.NewSynthetic(shape, seed)
	}
	pattern, err := datasets.FindCSVInAssets(dir)
	if err != nil {
		return nil, err
	}
	globPaths, _ := filepath.Glob(pattern)
	klog.Infof("Using CSV pattern: %s (found %d files)", pattern, len(globPaths))
	ds, err := datasets.NewTrajectoryDataset(pattern, cfg.Data.EpisodeColumn, shape, seed)
	if err != nil {
		return nil, err
	}
	klog.Infof("Episodes: train=%d valid=%d test=%d", ds.Len(datasets.Train), ds.Len(datasets.Valid), ds.Len(datasets.Test))
	return ds, nil
}

// runPolicy trains the configured policy and logs the action it selects for
// the first observation.
func runPolicy(m *model.Model, src datasets.Source, cfg runConfig, frames, states *tensors.Tensor, carSize [2]float32) error {
	p, err := policy.New(m, cfg.Policy)
	if err != nil {
		return err
	}
	for _, phase := range []struct {
		objective policy.Objective
		steps     int
	}{{policy.Imitation, cfg.Training.PolicySteps}, {policy.SVG, cfg.Training.SVGSteps}} {
		if phase.steps <= 0 {
			continue
		}
		bar := newBar(phase.steps, "policy "+phase.objective.String())
		stats, err := p.Fit(src, phase.objective, phase.steps, bar.progress)
		bar.done()
		if err != nil {
			return err
		}
		klog.Infof("Policy %s after %d steps: loss %.4g, total %.4g", phase.objective, phase.steps, stats.Loss, stats.Total)
	}
	sel, err := p.SelectAction(policy.Observation{Frames: frames, States: states, CarSize: carSize})
	if err != nil {
		return err
	}
	klog.Infof("Policy %s selects candidate %d of %d: action %v", cfg.Policy.Kind, sel.Index, len(sel.Costs), sel.Action)
	return nil
}

// episode is the record of an imagined drive.
type episode struct {
	actions [][]float32
	costs   [][]float64
	// frames and states are the window after the last executed actions.
	frames, states *tensors.Tensor
	last           *planner.Result
}

// drive plans from the window for the given number of steps, executing NExec
// planned actions with the model between calls.
func drive(m *model.Model, pl *planner.Planner, frames, states *tensors.Tensor, carSize [2]float32, steps int) (*episode, error) {
	mcfg := m.Config()
	nExec := pl.Config().NExec
	run := &episode{frames: frames, states: states}
	bar := newBar(steps, "planning")
	defer bar.done()
	for step := 0; step < steps; step += nExec {
		res, err := pl.Plan(planner.Observation{Frames: run.frames, States: run.states, CarSize: carSize})
		if err != nil {
			return nil, fmt.Errorf("planning step %d: %w", step, err)
		}
		run.costs = append(run.costs, res.CostHistory())
		run.last = res
		for t := range nExec {
			run.actions = append(run.actions, append([]float32(nil), res.Action(t)...))
		}
		sampling := model.SampleZero
		if mcfg.Variant.HasLatent() {
			sampling = model.SampleFixedPrior
		}
		pred, err := m.Rollout(model.RolloutRequest{
			Frames:   batchOf(run.frames),
			States:   batchOf(run.states),
			Actions:  nets.Tensor32(res.Normalized[:nExec*mcfg.NActions], 1, nExec, mcfg.NActions),
			Sampling: sampling,
			Mode:     model.ModeInfer,
		})
		if err != nil {
			return nil, fmt.Errorf("executing step %d: %w", step, err)
		}
		run.frames = shiftWindow(run.frames, example(pred.Frames, 0))
		run.states = shiftWindow(run.states, example(pred.States, 0))
		klog.V(1).Infof("step %d: cost %.4f (test %.4f)", step, res.FinalCost, res.TestCost)
		bar.add(nExec)
	}
	return run, nil
}

// example returns example i of a batched tensor.
func example(x *tensors.Tensor, i int) *tensors.Tensor {
	dims := nets.Dims(x)
	size := 1
	for _, d := range dims[1:] {
		size *= d
	}
	return nets.Tensor32(nets.Flat32(x)[i*size:(i+1)*size], dims[1:]...)
}

func batchOf(x *tensors.Tensor) *tensors.Tensor {
	return nets.Tensor32(nets.Flat32(x), append([]int{1}, nets.Dims(x)...)...)
}

// shiftWindow drops the oldest steps of window and appends next, keeping the
// window length.
func shiftWindow(window, next *tensors.Tensor) *tensors.Tensor {
	dims := nets.Dims(window)
	w, n := nets.Flat32(window), nets.Flat32(next)
	out := append(append([]float32(nil), w[len(n):]...), n...)
	return nets.Tensor32(out, dims...)
}

func writeActionsCSV(path string, run *episode) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	header := []string{"step"}
	if len(run.actions) > 0 {
		for i := range run.actions[0] {
			header = append(header, fmt.Sprintf("action_%d", i))
		}
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for t, a := range run.actions {
		row := []string{strconv.Itoa(t)}
		for _, v := range a {
			row = append(row, strconv.FormatFloat(float64(v), 'g', 6, 32))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// plotCosts writes the cost of every planner iteration, one line per Plan
// call, fading from the first call to the last.
func plotCosts(outDir string, costs [][]float64) error {
	p := plot.New()
	p.Title.Text = "Planner cost per iteration"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "discounted cost"
	for i, history := range costs {
		xys := make(plotter.XYs, len(history))
		for j, c := range history {
			xys[j] = plotter.XY{X: float64(j), Y: c}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		alpha := uint8(60 + 195*(i+1)/len(costs))
		line.Color = color.RGBA{R: 20, G: 80, B: 200, A: alpha}
		line.Width = vg.Points(0.8)
		p.Add(line)
		if i == len(costs)-1 {
			p.Legend.Add("last call", line)
		}
	}
	p.Add(plotter.NewGrid())
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "plan_costs.png"))
}

// plotFutures writes the Monte Carlo trajectories (faint green), their final
// positions (red) and the mean trajectory (blue).
func plotFutures(outDir string, results []monte.SimulationResult, summary monte.Summary) error {
	p := plot.New()
	p.Title.Text = "Futures of the last plan: trajectories (green), final positions (red), mean (blue)"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	var all, finals plotter.XYs
	for i, r := range results {
		xys := make(plotter.XYs, 0, len(r.Trajectory))
		for _, pt := range r.Trajectory {
			xys = append(xys, plotter.XY{X: float64(pt.X), Y: float64(pt.Y)})
		}
		all = append(all, xys...)
		finals = append(finals, xys[len(xys)-1])
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 40, G: 120, B: 40, A: uint8(100 + (i%3)*30)}
		line.Width = vg.Points(0.8)
		p.Add(line)
		if i == 0 {
			p.Legend.Add("futures", line)
		}
	}

	fs, err := plotter.NewScatter(finals)
	if err != nil {
		return err
	}
	fs.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 180}
	fs.GlyphStyle.Radius = vg.Points(1.8)
	p.Add(fs)
	p.Legend.Add("final", fs)

	mean := make(plotter.XYs, len(summary.Mean))
	for t, pt := range summary.Mean {
		mean[t] = plotter.XY{X: float64(pt.X), Y: float64(pt.Y)}
	}
	ml, err := plotter.NewLine(mean)
	if err != nil {
		return err
	}
	ml.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	ml.Width = vg.Points(1.6)
	p.Add(ml)
	p.Legend.Add("mean", ml)

	p.Add(plotter.NewGrid())
	p.X.Min, p.X.Max, p.Y.Min, p.Y.Max = autoRange(all)
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "monte_futures.png"))
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}

// passBar wraps a progress bar for the multi-batch passes of the model.
type passBar struct {
	pb *progressbar.ProgressBar
}

func newBar(total int, description string) *passBar {
	return &passBar{pb: progressbar.Default(int64(total), description)}
}

func (b *passBar) progress(done, _ int) { _ = b.pb.Set(done) }

func (b *passBar) add(n int) { _ = b.pb.Add(n) }

func (b *passBar) done() { _ = b.pb.Finish() }
