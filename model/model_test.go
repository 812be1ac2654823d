package model

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/Noofbiz/worldModel/nets"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func testConfig(variant Variant) Config {
	cfg := DefaultConfig()
	cfg.Variant = variant
	cfg.Height, cfg.Width = 32, 32
	cfg.NCond = 4
	cfg.NPred = 5
	cfg.NFeature = 16
	cfg.NHidden = 16
	cfg.NZ = 8
	cfg.NMixture = 3
	cfg.Layers = 3
	cfg.Dropout = 0
	cfg.ZDropout = 0
	cfg.TopZSample = 5
	cfg.NeighborK = 50
	cfg.Seed = 1
	return cfg
}

func newBackend(t *testing.T) backends.Backend {
	backend, err := simplego.New("")
	if err != nil {
		t.Fatalf("simplego.New: %v", err)
	}
	return backend
}

func newModel(t *testing.T, cfg Config, opts ...Option) *Model {
	m, err := New(cfg, newBackend(t), opts...)
	if err != nil {
		t.Fatalf("New(%s): %v", cfg.Variant, err)
	}
	return m
}

func newSource(t *testing.T, cfg Config, batchSize int) *datasets.Synthetic {
	src, err := datasets.NewSynthetic(datasets.Shape{
		BatchSize: batchSize,
		Height:    cfg.Height,
		Width:     cfg.Width,
		NCond:     cfg.NCond,
		NPred:     cfg.NPred,
		StateSize: cfg.StateSize,
		NActions:  cfg.NActions,
	}, 3)
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	return src
}

func zeroRequest(cfg Config, batch int) RolloutRequest {
	return RolloutRequest{
		Frames:  nets.Zeros32(batch, cfg.NCond, 3, cfg.Height, cfg.Width),
		States:  nets.Zeros32(batch, cfg.NCond, cfg.StateSize),
		Actions: nets.Zeros32(batch, cfg.NPred, cfg.NActions),
		Mode:    ModeInfer,
	}
}

func randomTensor(rng *rand.Rand, scale float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = scale * rng.Float32()
	}
	return nets.Tensor32(data, dims...)
}

func mustBatch(t *testing.T, src datasets.Source) *datasets.Batch {
	batch, err := src.NextBatch(datasets.Train)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	return batch
}

func expectKind(t *testing.T, what string, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("%s: expected %v, got %v", what, kind, err)
	}
}

func checkRange(t *testing.T, what string, values []float32, lo, hi float32) {
	t.Helper()
	for i, v := range values {
		if v < lo || v > hi {
			t.Fatalf("%s[%d] = %g outside [%g, %g]", what, i, v, lo, hi)
		}
	}
}

func TestRolloutShapes(t *testing.T) {
	for _, variant := range []Variant{Deterministic, TEN} {
		t.Run(string(variant), func(t *testing.T) {
			cfg := testConfig(variant)
			m := newModel(t, cfg)
			req := zeroRequest(cfg, 2)
			req.Sampling = SampleZero
			pred, err := m.Rollout(req)
			if err != nil {
				t.Fatalf("Rollout: %v", err)
			}
			if got := nets.Dims(pred.Frames); !slices.Equal(got, []int{2, cfg.NPred, 3, cfg.Height, cfg.Width}) {
				t.Errorf("frames dims %v", got)
			}
			if got := nets.Dims(pred.States); !slices.Equal(got, []int{2, cfg.NPred, 4}) {
				t.Errorf("states dims %v", got)
			}
			if got := nets.Dims(pred.Costs); !slices.Equal(got, []int{2, cfg.NPred, 2}) {
				t.Errorf("costs dims %v", got)
			}
			if variant == Deterministic {
				if pred.Latents != nil {
					t.Errorf("deterministic model returned latents %v", nets.Dims(pred.Latents))
				}
			} else if got := nets.Dims(pred.Latents); !slices.Equal(got, []int{2, cfg.NPred, cfg.NZ}) {
				t.Errorf("latents dims %v", got)
			}
		})
	}
}

func TestRolloutRanges(t *testing.T) {
	cfg := testConfig(VAELearnedPrior)
	m := newModel(t, cfg)
	rng := rand.New(rand.NewSource(5))
	req := RolloutRequest{
		Frames:   randomTensor(rng, 1, 3, cfg.NCond, 3, cfg.Height, cfg.Width),
		States:   randomTensor(rng, 20, 3, cfg.NCond, cfg.StateSize),
		Actions:  randomTensor(rng, 3, 3, cfg.NPred, cfg.NActions),
		Sampling: SamplePrior,
		Mode:     ModeInfer,
	}
	pred, err := m.Rollout(req)
	if err != nil {
		t.Fatalf("Rollout: %v", err)
	}
	checkRange(t, "frames", nets.Flat32(pred.Frames), 0, 1)
	checkRange(t, "states", nets.Flat32(pred.States), -MaxState, MaxState)
	checkRange(t, "costs", nets.Flat32(pred.Costs), 0, 1)
}

// The KL reported by a fixed-prior VAE rollout matches the closed form
// computed from the posterior it returns.
func TestVAEFixedPriorKL(t *testing.T) {
	cfg := testConfig(VAEFixedPrior)
	m := newModel(t, cfg)
	src := newSource(t, cfg, 2)
	batch := mustBatch(t, src)
	pred, err := m.Rollout(RolloutRequest{
		Frames:       batch.Frames,
		States:       batch.States,
		Actions:      batch.Actions,
		TargetFrames: batch.TargetFrames,
		Sampling:     SampleTeacher,
		Mode:         ModeInfer,
	})
	if err != nil {
		t.Fatalf("Rollout: %v", err)
	}
	if pred.Mu == nil {
		t.Fatal("VAE rollout returned no posterior mean")
	}
	mu, logVar := nets.Flat32(pred.Mu), nets.Flat32(pred.LogVar)
	b, steps, nz := 2, cfg.NPred, cfg.NZ
	var want float64
	for step := 0; step < steps; step++ {
		var kl float64
		for i := 0; i < b; i++ {
			for j := 0; j < nz; j++ {
				k := (i*steps+step)*nz + j
				m, lv := float64(mu[k]), float64(logVar[k])
				kl += 1 + lv - m*m - math.Exp(lv)
			}
		}
		want += -0.5 * kl / float64(b)
	}
	want /= float64(steps)
	if math.Abs(want-pred.PriorLoss) > 1e-4*math.Max(1, math.Abs(want)) {
		t.Errorf("PriorLoss = %g, closed form %g", pred.PriorLoss, want)
	}
	checkRange(t, "logVar", logVar, float32(math.Inf(-1)), nets.MaxLogVar)
}

func TestLatentDistribution(t *testing.T) {
	cfg := testConfig(TEN)
	m := newModel(t, cfg)
	src := newSource(t, cfg, 3)

	// Sampling before estimation is an explicit error.
	req := zeroRequest(cfg, 2)
	req.Sampling = SampleFixedPrior
	_, err := m.Rollout(req)
	expectKind(t, "fixed prior before estimation", err, errs.ErrEmptyDistribution)
	_, err = m.BuildLatentGraph(context.Background())
	expectKind(t, "graph before estimation", err, errs.ErrEmptyDistribution)

	table, err := m.EstimateLatentDistribution(src, 2, nil)
	if err != nil {
		t.Fatalf("EstimateLatentDistribution: %v", err)
	}
	if table.Len() != 2*3*cfg.NPred || table.Dim() != cfg.NZ {
		t.Fatalf("table %dx%d, want %dx%d", table.Len(), table.Dim(), 2*3*cfg.NPred, cfg.NZ)
	}

	req.Sampling = SampleKNN
	_, err = m.Rollout(req)
	expectKind(t, "knn needs the neighbor graph", err, errs.ErrEmptyDistribution)

	ix, err := m.BuildLatentGraph(context.Background())
	if err != nil {
		t.Fatalf("BuildLatentGraph: %v", err)
	}
	if ix.Len() != table.Len() {
		t.Errorf("index has %d rows, table %d", ix.Len(), table.Len())
	}
	if n := len(ix.Neighbors(0)); n != table.Len()-1 {
		t.Errorf("row 0 has %d neighbors, want %d", n, table.Len()-1)
	}

	for _, sampling := range []Sampling{SampleFixedPrior, SampleKNN} {
		req.Sampling = sampling
		pred, err := m.Rollout(req)
		if err != nil {
			t.Fatalf("%s rollout: %v", sampling, err)
		}
		if len(pred.LatentIndices) != 2*cfg.NPred {
			t.Fatalf("%s: %d latent indices, want %d", sampling, len(pred.LatentIndices), 2*cfg.NPred)
		}
		latents := nets.Flat32(pred.Latents)
		for i, row := range pred.LatentIndices {
			want := table.Row(row)
			for j := range want {
				if math.Abs(want[j]-float64(latents[i*cfg.NZ+j])) > 1e-6 {
					t.Fatalf("%s: latent %d differs from table row %d", sampling, i, row)
				}
			}
		}
	}
}

func TestIdempotentInference(t *testing.T) {
	cfg := testConfig(TEN)
	cfg.Dropout = 0.2
	m := newModel(t, cfg)
	src := newSource(t, cfg, 2)
	if _, err := m.EstimateLatentDistribution(src, 1, nil); err != nil {
		t.Fatalf("EstimateLatentDistribution: %v", err)
	}
	if _, err := m.BuildLatentGraph(context.Background()); err != nil {
		t.Fatalf("BuildLatentGraph: %v", err)
	}

	batch, err := src.NextBatch(datasets.Valid)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	for _, sampling := range []Sampling{SampleFixedPrior, SampleKNN} {
		req := RolloutRequest{Frames: batch.Frames, States: batch.States, Actions: batch.Actions, Sampling: sampling, Mode: ModeInfer}
		m.Reseed(11)
		first, err := m.Rollout(req)
		if err != nil {
			t.Fatalf("%s: %v", sampling, err)
		}
		m.Reseed(11)
		second, err := m.Rollout(req)
		if err != nil {
			t.Fatalf("%s: %v", sampling, err)
		}
		if !slices.Equal(nets.Flat32(first.Frames), nets.Flat32(second.Frames)) {
			t.Errorf("%s: frames differ after Reseed", sampling)
		}
		if !slices.Equal(nets.Flat32(first.States), nets.Flat32(second.States)) {
			t.Errorf("%s: states differ after Reseed", sampling)
		}
		if !slices.Equal(first.LatentIndices, second.LatentIndices) {
			t.Errorf("%s: latent indices differ after Reseed", sampling)
		}
	}
}

func TestPDFSampling(t *testing.T) {
	cfg := testConfig(TEN)
	cfg.Beta = 0.1
	m := newModel(t, cfg)
	src := newSource(t, cfg, 2)
	req := zeroRequest(cfg, 2)
	req.Sampling = SamplePDF
	_, err := m.Rollout(req)
	expectKind(t, "pdf before estimation", err, errs.ErrEmptyDistribution)

	table, err := m.EstimateLatentDistribution(src, 1, nil)
	if err != nil {
		t.Fatalf("EstimateLatentDistribution: %v", err)
	}
	pred, err := m.Rollout(req)
	if err != nil {
		t.Fatalf("pdf rollout: %v", err)
	}
	latents := nets.Flat32(pred.Latents)
	// Every latent is a row of the table.
	for i := 0; i < len(latents)/cfg.NZ; i++ {
		row := make([]float64, cfg.NZ)
		for j := range row {
			row[j] = float64(latents[i*cfg.NZ+j])
		}
		_, dist, err := table.Nearest(row)
		if err != nil {
			t.Fatalf("Nearest: %v", err)
		}
		if dist > 1e-5 {
			t.Errorf("latent %d is %g away from the table", i, dist)
		}
	}

	loss, err := m.PriorLossThroughModel(mustBatch(t, src))
	if err != nil {
		t.Fatalf("PriorLossThroughModel: %v", err)
	}
	if math.IsNaN(loss) {
		t.Error("prior loss is NaN")
	}
}

func TestErrors(t *testing.T) {
	cfg := testConfig(TEN)
	cfg.NFeature = 18
	_, err := New(cfg, newBackend(t))
	expectKind(t, "nfeature 18", err, errs.ErrConfiguration)

	cfg = testConfig(Deterministic)
	cfg.Variant = "fwd-cnn-unknown"
	_, err = New(cfg, newBackend(t))
	expectKind(t, "unknown variant", err, errs.ErrConfiguration)

	cfg = testConfig(TEN)
	m := newModel(t, cfg)
	req := zeroRequest(cfg, 2)
	req.Sampling = SampleZero
	req.States = nets.Zeros32(2, cfg.NCond+1, cfg.StateSize)
	_, err = m.Rollout(req)
	expectKind(t, "window too long", err, errs.ErrShapeMismatch)

	req = zeroRequest(cfg, 2)
	req.Sampling = SampleTeacher
	_, err = m.Rollout(req)
	expectKind(t, "teacher forcing without targets", err, errs.ErrConfiguration)

	req.Sampling = SamplePrior
	_, err = m.Rollout(req)
	expectKind(t, "prior sampling is VAE only", err, errs.ErrConfiguration)
}

// Training runs on the simplego backend for every variant and moves the
// encoder's kernels.
func TestTrainStep(t *testing.T) {
	for _, variant := range []Variant{Deterministic, TEN, VAEFixedPrior, VAELearnedPrior} {
		t.Run(string(variant), func(t *testing.T) {
			cfg := testConfig(variant)
			cfg.Dropout = 0.1
			cfg.ZDropout = 0.5
			cfg.LearningRate = 1e-3
			if variant == TEN {
				cfg.Beta = 0.1
				cfg.ActionIndepNet = true
			}
			if variant.IsVAE() {
				cfg.Beta = 1e-3
			}
			m := newModel(t, cfg)
			if err := m.Initialize(); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			before, err := m.Bundle()
			if err != nil {
				t.Fatalf("Bundle: %v", err)
			}
			src := newSource(t, cfg, 2)
			stats, err := m.Fit(src, 2, nil)
			if err != nil {
				t.Fatalf("Fit: %v", err)
			}
			if stats.Step != 2 {
				t.Errorf("Step = %d, want 2", stats.Step)
			}
			if !(stats.Total > 0) {
				t.Errorf("Total loss = %g, want > 0", stats.Total)
			}
			if variant == TEN && stats.Secondary == 0 {
				t.Error("action independence loss not reported")
			}

			after, err := m.Bundle()
			if err != nil {
				t.Fatalf("Bundle: %v", err)
			}
			moved := false
			for _, key := range before.Keys() {
				if inScopes(ScopeEncoder)(key) && after.Values[key] != nil &&
					!slices.Equal(nets.Flat32(before.Values[key]), nets.Flat32(after.Values[key])) {
					moved = true
					break
				}
			}
			if !moved {
				t.Error("no encoder variable changed after two training steps")
			}
		})
	}
}

func TestTransplant(t *testing.T) {
	cfgA := testConfig(TEN)
	a := newModel(t, cfgA)
	bundle, err := a.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if len(bundle.Keys()) == 0 {
		t.Fatal("empty bundle")
	}

	cfgB := testConfig(VAEFixedPrior)
	cfgB.NCond = 2
	cfgB.Seed = 9
	b := newModel(t, cfgB, WithPretrained(bundle))
	target, err := b.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}

	for _, key := range bundle.Keys() {
		if !inScopes(ScopeDecoder)(key) {
			continue
		}
		if !slices.Equal(nets.Flat32(bundle.Values[key]), nets.Flat32(target.Values[key])) {
			t.Errorf("%s not transplanted", key)
		}
	}

	// Window-sized encoder inputs keep the most recent entries.
	resized := 0
	for _, key := range bundle.Keys() {
		if !inScopes(ScopeEncoder)(key) {
			continue
		}
		src, dst := bundle.Values[key], target.Values[key]
		if dst == nil {
			t.Fatalf("%s missing from the target model", key)
		}
		if slices.Equal(nets.Dims(src), nets.Dims(dst)) {
			if !slices.Equal(nets.Flat32(src), nets.Flat32(dst)) {
				t.Errorf("%s not transplanted", key)
			}
			continue
		}
		resized++
		want, err := resizeWindow(src, cfgA.NCond, cfgB.NCond, nets.Dims(dst))
		if err != nil {
			t.Fatalf("%s: resizeWindow: %v", key, err)
		}
		if !slices.Equal(nets.Flat32(want), nets.Flat32(dst)) {
			t.Errorf("%s: resized window differs", key)
		}
	}
	if resized == 0 {
		t.Error("no window-sized encoder variable was resized")
	}

	cfgC := testConfig(TEN)
	cfgC.NFeature = 32
	_, err = New(cfgC, newBackend(t), WithPretrained(bundle))
	expectKind(t, "nfeature mismatch", err, errs.ErrShapeMismatch)
}

func TestResizeWindow(t *testing.T) {
	// Two entries of blocks of 2 columns, one row.
	src := nets.Tensor32([]float32{1, 2, 3, 4}, 1, 4)
	grown, err := resizeWindow(src, 2, 3, []int{1, 6})
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if got := nets.Flat32(grown); !slices.Equal(got, []float32{0, 0, 1, 2, 3, 4}) {
		t.Errorf("grown = %v", got)
	}
	shrunk, err := resizeWindow(src, 2, 1, []int{1, 2})
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if got := nets.Flat32(shrunk); !slices.Equal(got, []float32{3, 4}) {
		t.Errorf("shrunk = %v", got)
	}
	_, err = resizeWindow(src, 2, 3, []int{2, 6})
	expectKind(t, "row mismatch", err, errs.ErrShapeMismatch)
}

func TestUncertainty(t *testing.T) {
	cfg := testConfig(Deterministic)
	cfg.Dropout = 0.2
	cfg.ValueFunction = true
	m := newModel(t, cfg)
	src := newSource(t, cfg, 2)
	batch := mustBatch(t, src)
	req := UncertaintyRequest{Frames: batch.Frames, States: batch.States, Actions: batch.Actions, CarSizes: batch.CarSizes, NModels: 4}
	report, err := m.Uncertainty(req)
	if err != nil {
		t.Fatalf("Uncertainty: %v", err)
	}
	if len(report.Images) != 2*cfg.NPred || len(report.Values) != 2 {
		t.Errorf("report has %d images and %d values", len(report.Images), len(report.Values))
	}
	if report.HasPenalty {
		t.Error("penalty reported before the statistics were estimated")
	}
	checkRange(t, "state variance", report.States, 0, float32(math.Inf(1)))

	stats, err := m.EstimateUncertaintyStats(src, 2, 4, nil)
	if err != nil {
		t.Fatalf("EstimateUncertaintyStats: %v", err)
	}
	if stats.Steps != cfg.NPred || len(stats.CostsStd) != cfg.NPred {
		t.Errorf("stats over %d steps with %d cost std", stats.Steps, len(stats.CostsStd))
	}

	report, err = m.Uncertainty(req)
	if err != nil {
		t.Fatalf("Uncertainty: %v", err)
	}
	if !report.HasPenalty || report.Penalty < 0 {
		t.Errorf("penalty %g (has=%v)", report.Penalty, report.HasPenalty)
	}

	req.NModels = 1
	_, err = m.Uncertainty(req)
	expectKind(t, "one model", err, errs.ErrConfiguration)
}

func TestMoveTo(t *testing.T) {
	cfg := testConfig(Deterministic)
	m := newModel(t, cfg)
	rng := rand.New(rand.NewSource(2))
	req := RolloutRequest{
		Frames:  randomTensor(rng, 1, 1, cfg.NCond, 3, cfg.Height, cfg.Width),
		States:  randomTensor(rng, 1, 1, cfg.NCond, cfg.StateSize),
		Actions: randomTensor(rng, 1, 1, cfg.NPred, cfg.NActions),
		Mode:    ModeInfer,
	}
	before, err := m.Rollout(req)
	if err != nil {
		t.Fatalf("Rollout: %v", err)
	}
	if err := m.MoveTo(newBackend(t)); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	after, err := m.Rollout(req)
	if err != nil {
		t.Fatalf("Rollout after MoveTo: %v", err)
	}
	if !slices.Equal(nets.Flat32(before.Frames), nets.Flat32(after.Frames)) {
		t.Error("frames changed after MoveTo")
	}
	if !slices.Equal(nets.Flat32(before.Costs), nets.Flat32(after.Costs)) {
		t.Error("costs changed after MoveTo")
	}
}

func TestParse(t *testing.T) {
	v, err := ParseVariant(" FWD-CNN-VAE3-LP ")
	if err != nil || v != VAELearnedPrior {
		t.Errorf("ParseVariant = %q, %v", v, err)
	}
	s, err := ParseSampling("knn")
	if err != nil || s != SampleKNN {
		t.Errorf("ParseSampling(knn) = %v, %v", s, err)
	}
	_, err = ParseSampling("nope")
	expectKind(t, "unknown sampling", err, errs.ErrConfiguration)
}
