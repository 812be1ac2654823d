package policy

import (
	"errors"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/latent"
	"github.com/Noofbiz/worldModel/model"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/backends/simplego"
)

func testModel(t *testing.T, variant model.Variant, mutate ...func(*model.Config)) *model.Model {
	cfg := model.DefaultConfig()
	cfg.Variant = variant
	cfg.Height, cfg.Width = 32, 32
	cfg.NCond = 4
	cfg.NPred = 4
	cfg.NFeature = 16
	cfg.NHidden = 16
	cfg.NZ = 8
	cfg.NMixture = 3
	cfg.Dropout = 0
	cfg.TopZSample = 5
	cfg.NeighborK = 20
	cfg.Seed = 1
	for _, f := range mutate {
		f(&cfg)
	}
	backend, err := simplego.New("")
	if err != nil {
		t.Fatalf("simplego.New: %v", err)
	}
	m, err := model.New(cfg, backend)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	return m
}

func testConfig(kind Kind) Config {
	cfg := DefaultConfig()
	cfg.Kind = kind
	cfg.NHidden = 16
	cfg.NMixture = 2
	cfg.ContextDim = 2
	cfg.ActionsSubsample = 2
	cfg.LearningRate = 1e-3
	cfg.NActionSamples = 3
	cfg.NFutures = 2
	cfg.NPred = 4
	cfg.Normalize = false
	return cfg
}

func newPolicy(t *testing.T, m *model.Model, cfg Config) *Policy {
	p, err := New(m, cfg)
	if err != nil {
		t.Fatalf("New(%s): %v", cfg.Kind, err)
	}
	return p
}

func testSource(t *testing.T, m *model.Model, nPred int) *datasets.Synthetic {
	mcfg := m.Config()
	src, err := datasets.NewSynthetic(datasets.Shape{BatchSize: 2, Height: mcfg.Height, Width: mcfg.Width,
		NCond: mcfg.NCond, NPred: nPred, StateSize: mcfg.StateSize, NActions: mcfg.NActions}, 7)
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	return src
}

func nextBatch(t *testing.T, src datasets.Source) *datasets.Batch {
	b, err := src.NextBatch(datasets.Train)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	return b
}

func testObservation(m *model.Model) Observation {
	mcfg := m.Config()
	frames := make([]float32, mcfg.NCond*3*mcfg.Height*mcfg.Width)
	for i := range frames {
		frames[i] = float32(i%5) / 5
	}
	return Observation{
		Frames:  nets.Tensor32(frames, mcfg.NCond, 3, mcfg.Height, mcfg.Width),
		States:  nets.Zeros32(mcfg.NCond, mcfg.StateSize),
		CarSize: [2]float32{datasets.DefaultCarWidth, datasets.DefaultCarLength},
	}
}

func expectKind(t *testing.T, what string, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("%s: expected %v, got %v", what, kind, err)
	}
}

func mustNoError(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

// splitBundle separates the policy variables from the model's.
func splitBundle(t *testing.T, m *model.Model) (modelVars, policyVars map[string][]float32) {
	b, err := m.Bundle()
	mustNoError(t, "Bundle", err)
	modelVars, policyVars = make(map[string][]float32), make(map[string][]float32)
	for key, v := range b.Values {
		if strings.HasPrefix(strings.TrimPrefix(key, "/"), Scope+"/") {
			policyVars[key] = nets.Flat32(v)
		} else {
			modelVars[key] = nets.Flat32(v)
		}
	}
	return
}

// checkUnchanged fails if any of the before variables differ in after.
func checkUnchanged(t *testing.T, what string, before, after map[string][]float32) {
	t.Helper()
	for key, v := range before {
		if !slices.Equal(v, after[key]) {
			t.Errorf("%s changed model variable %s", what, key)
		}
	}
}

func TestParseKindAndValidate(t *testing.T) {
	for _, name := range []string{"policy-deterministic", "policy-gauss", "Policy-MDN", "policy-ten", " policy-vae"} {
		if _, err := ParseKind(name); err != nil {
			t.Errorf("ParseKind(%q): %v", name, err)
		}
	}
	_, err := ParseKind("policy-tree")
	expectKind(t, "unknown kind", err, errs.ErrConfiguration)

	mustNoError(t, "default config", DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.Kind = TEN
	cfg.ActionsSubsample = 0
	expectKind(t, "subsample 0", cfg.Validate(), errs.ErrConfiguration)
	cfg = DefaultConfig()
	cfg.LatentDropout = 1
	expectKind(t, "latent dropout 1", cfg.Validate(), errs.ErrConfiguration)
	cfg = DefaultConfig()
	cfg.UReg, cfg.NModels = 1, 1
	expectKind(t, "penalty with one model", cfg.Validate(), errs.ErrConfiguration)

	_, err = New(nil, DefaultConfig())
	expectKind(t, "nil model", err, errs.ErrConfiguration)
}

func TestTrainImitation(t *testing.T) {
	for _, kind := range []Kind{Deterministic, Gaussian, MDN, TEN, VAE} {
		t.Run(string(kind), func(t *testing.T) {
			m := testModel(t, model.Deterministic)
			p := newPolicy(t, m, testConfig(kind))
			src := testSource(t, m, 4)
			before, _ := splitBundle(t, m)

			for i := 0; i < 2; i++ {
				stats, err := p.TrainImitation(nextBatch(t, src))
				mustNoError(t, "TrainImitation", err)
				if stats.Step != i+1 {
					t.Errorf("Step = %d, want %d", stats.Step, i+1)
				}
				if math.Abs(stats.Loss+stats.KL-stats.Total) > 1e-9 {
					t.Errorf("Total %g != Loss %g + KL %g", stats.Total, stats.Loss, stats.KL)
				}
				if kind == VAE {
					if stats.KL < -1e-5 {
						t.Errorf("negative KL %g", stats.KL)
					}
				} else if stats.KL != 0 {
					t.Errorf("KL %g reported by a %s policy", stats.KL, kind)
				}
			}

			after, policyVars := splitBundle(t, m)
			if len(policyVars) == 0 {
				t.Fatal("imitation created no policy variables")
			}
			checkUnchanged(t, "imitation", before, after)

			table := p.LatentTable()
			if kind == TEN {
				// Two steps of 2 examples with 4/2 segments each.
				if table == nil {
					t.Fatal("TEN policy saved no latents")
				}
				if table.Len() != 8 || table.Dim() != 2 {
					t.Errorf("latent table %dx%d, want 8x2", table.Len(), table.Dim())
				}
			} else if table != nil {
				t.Errorf("%s policy saved %d latents", kind, table.Len())
			}
		})
	}
}

func TestTrainImitationSegments(t *testing.T) {
	m := testModel(t, model.Deterministic)
	cfg := testConfig(TEN)
	cfg.ActionsSubsample = 3
	p := newPolicy(t, m, cfg)
	_, err := p.TrainImitation(nextBatch(t, testSource(t, m, 4)))
	expectKind(t, "npred not a multiple of the subsample", err, errs.ErrConfiguration)

	_, err = p.TrainImitation(nil)
	expectKind(t, "nil batch", err, errs.ErrConfiguration)
}

func TestRollout(t *testing.T) {
	m := testModel(t, model.Deterministic)
	p := newPolicy(t, m, testConfig(Gaussian))
	b := nextBatch(t, testSource(t, m, 4))
	mcfg := m.Config()

	res, err := p.Rollout(RolloutRequest{Frames: b.Frames, States: b.States, CarSizes: b.CarSizes, Steps: 6, Sample: true})
	mustNoError(t, "Rollout", err)
	wants := map[string][]int{
		"frames":  {2, 6, 3, mcfg.Height, mcfg.Width},
		"states":  {2, 6, mcfg.StateSize},
		"costs":   {2, 6, nets.NumCosts},
		"actions": {2, 6, mcfg.NActions},
	}
	gots := map[string][]int{
		"frames":  nets.Dims(res.Frames),
		"states":  nets.Dims(res.States),
		"costs":   nets.Dims(res.Costs),
		"actions": nets.Dims(res.Actions),
	}
	for name, want := range wants {
		if !slices.Equal(gots[name], want) {
			t.Errorf("%s dims %v, want %v", name, gots[name], want)
		}
	}
	if !nets.AllFinite(nets.Flat32(res.Actions)) {
		t.Error("non-finite actions")
	}
	if res.TaskCost < 0 {
		t.Errorf("task cost %g < 0", res.TaskCost)
	}

	// The mean policy is deterministic.
	req := RolloutRequest{Frames: b.Frames, States: b.States, Steps: 3}
	r1, err := p.Rollout(req)
	mustNoError(t, "Rollout", err)
	r2, err := p.Rollout(req)
	mustNoError(t, "Rollout", err)
	if !slices.Equal(nets.Flat32(r1.Actions), nets.Flat32(r2.Actions)) {
		t.Error("mean policy gave different actions on the same window")
	}

	_, err = p.Rollout(RolloutRequest{Frames: b.Frames, States: b.States, Steps: 0})
	expectKind(t, "zero steps", err, errs.ErrConfiguration)
	_, err = p.Rollout(RolloutRequest{Frames: b.Frames, States: b.Frames, Steps: 2})
	expectKind(t, "frames as states", err, errs.ErrShapeMismatch)
}

func TestRolloutNeedsLatents(t *testing.T) {
	m := testModel(t, model.TEN)
	src := testSource(t, m, 4)
	b := nextBatch(t, src)

	p := newPolicy(t, m, testConfig(VAE))
	req := RolloutRequest{Frames: b.Frames, States: b.States, Steps: 4}
	_, err := p.Rollout(req)
	expectKind(t, "the model's latent table is empty", err, errs.ErrEmptyDistribution)
	_, err = m.EstimateLatentDistribution(src, 1, nil)
	mustNoError(t, "EstimateLatentDistribution", err)
	_, err = p.Rollout(req)
	mustNoError(t, "Rollout", err)

	ten := newPolicy(t, m, testConfig(TEN))
	_, err = ten.Rollout(req)
	expectKind(t, "no saved policy latents", err, errs.ErrEmptyDistribution)
	_, err = ten.TrainImitation(b)
	mustNoError(t, "TrainImitation", err)
	res, err := ten.Rollout(req)
	mustNoError(t, "Rollout", err)
	if !nets.AllFinite(nets.Flat32(res.Frames)) {
		t.Error("non-finite frames")
	}
}

func TestSetLatentTable(t *testing.T) {
	m := testModel(t, model.Deterministic)
	table, err := latent.NewTable(2, [][]float64{{0.1, -0.2}, {0.3, 0.4}, {-0.5, 0}})
	mustNoError(t, "NewTable", err)

	gauss := newPolicy(t, m, testConfig(Gaussian))
	expectKind(t, "gaussian policy has no latents", gauss.SetLatentTable(table), errs.ErrConfiguration)

	p := newPolicy(t, m, testConfig(TEN))
	wrong, err := latent.NewTable(3, [][]float64{{1, 2, 3}})
	mustNoError(t, "NewTable", err)
	expectKind(t, "latent size", p.SetLatentTable(wrong), errs.ErrShapeMismatch)

	mustNoError(t, "SetLatentTable", p.SetLatentTable(table))
	if n := p.LatentTable().Len(); n != 3 {
		t.Errorf("table has %d rows, want 3", n)
	}
	b := nextBatch(t, testSource(t, m, 4))
	_, err = p.Rollout(RolloutRequest{Frames: b.Frames, States: b.States, Steps: 4})
	mustNoError(t, "Rollout", err)

	_, err = p.TrainImitation(b)
	mustNoError(t, "TrainImitation", err)
	if n := p.LatentTable().Len(); n != 3+4 {
		t.Errorf("table has %d rows after training, want %d", n, 3+4)
	}
}

func TestTrainSVG(t *testing.T) {
	m := testModel(t, model.Deterministic)
	p := newPolicy(t, m, testConfig(Deterministic))
	src := testSource(t, m, 4)
	b := nextBatch(t, src)

	// Create the policy variables.
	_, err := p.Rollout(RolloutRequest{Frames: b.Frames, States: b.States, Steps: 1})
	mustNoError(t, "Rollout", err)
	modelBefore, policyBefore := splitBundle(t, m)
	if len(policyBefore) == 0 {
		t.Fatal("rollout created no policy variables")
	}

	stats, err := p.TrainSVG(b)
	mustNoError(t, "TrainSVG", err)
	if stats.Loss < 0 {
		t.Errorf("loss %g < 0", stats.Loss)
	}
	if stats.Uncertainty != 0 {
		t.Errorf("uncertainty %g without a penalty", stats.Uncertainty)
	}

	modelAfter, policyAfter := splitBundle(t, m)
	checkUnchanged(t, "SVG", modelBefore, modelAfter)
	changed := 0
	for key, v := range policyBefore {
		if !slices.Equal(v, policyAfter[key]) {
			changed++
		}
	}
	if changed == 0 {
		t.Error("SVG left every policy variable unchanged")
	}

	b.CarSizes = nil
	_, err = p.TrainSVG(b)
	expectKind(t, "missing car sizes", err, errs.ErrConfiguration)
}

func TestTrainSVGUncertainty(t *testing.T) {
	m := testModel(t, model.Deterministic, func(c *model.Config) { c.Dropout = 0.2 })
	cfg := testConfig(Gaussian)
	cfg.UReg = 0.5
	cfg.NModels = 3
	p := newPolicy(t, m, cfg)
	src := testSource(t, m, 4)

	_, err := p.TrainSVG(nextBatch(t, src))
	expectKind(t, "the penalty needs calibrated statistics", err, errs.ErrConfiguration)

	_, err = m.EstimateUncertaintyStats(src, 2, 3, nil)
	mustNoError(t, "EstimateUncertaintyStats", err)
	stats, err := p.Fit(src, SVG, 2, nil)
	mustNoError(t, "Fit", err)
	if stats.Step != 2 {
		t.Errorf("Step = %d, want 2", stats.Step)
	}
	if stats.Uncertainty < 0 {
		t.Errorf("uncertainty %g < 0", stats.Uncertainty)
	}
	if math.Abs(stats.Loss+cfg.UReg*stats.Uncertainty-stats.Total) > 1e-4 {
		t.Errorf("Total %g != Loss %g + %g*Uncertainty %g", stats.Total, stats.Loss, cfg.UReg, stats.Uncertainty)
	}
}

func TestSelectAction(t *testing.T) {
	m := testModel(t, model.Deterministic)
	cfg := testConfig(Gaussian)
	cfg.NActionSamples = 4
	p := newPolicy(t, m, cfg)

	sel, err := p.SelectAction(testObservation(m))
	mustNoError(t, "SelectAction", err)
	if len(sel.Costs) != cfg.NActionSamples {
		t.Fatalf("%d candidate costs, want %d", len(sel.Costs), cfg.NActionSamples)
	}
	for i, c := range sel.Costs {
		if c < sel.Costs[sel.Index] {
			t.Errorf("candidate %d costs %g, less than the selected %g", i, c, sel.Costs[sel.Index])
		}
	}
	if len(sel.Action) != m.Config().NActions {
		t.Errorf("%d action values, want %d", len(sel.Action), m.Config().NActions)
	}
	if !slices.Equal(sel.Normalized, sel.Action) {
		t.Error("without normalisation the action is the normalized candidate")
	}

	cfg.Normalize = true
	cfg.ActionClip = 0.1
	p = newPolicy(t, m, cfg)
	obs := testObservation(m)
	sel, err = p.SelectAction(obs)
	mustNoError(t, "SelectAction", err)
	for i, a := range sel.Action {
		// Identity statistics: the action is the clipped candidate.
		if a > 0.1+1e-6 || a < -0.1-1e-6 {
			t.Errorf("action %d = %g outside the clip", i, a)
		}
	}

	obs.CarSize = [2]float32{0, 1}
	_, err = p.SelectAction(obs)
	expectKind(t, "zero car width", err, errs.ErrConfiguration)
}
