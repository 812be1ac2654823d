package datasets_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/worldModel/datasets"
	"github.com/Noofbiz/worldModel/errs"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func testShape() datasets.Shape {
	return datasets.Shape{BatchSize: 3, Height: 32, Width: 32, NCond: 4, NPred: 5, StateSize: 4, NActions: 2}
}

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create csv %s: %v", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(header + "\n"); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	for _, r := range rows {
		if _, err := f.WriteString(r + "\n"); err != nil {
			t.Fatalf("failed to write row: %v", err)
		}
	}
}

func checkDims(t *testing.T, name string, tensor *tensors.Tensor, want ...int) {
	t.Helper()
	got := tensor.Shape().Dimensions
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("%s: got dims %v, want %v", name, got, want)
	}
}

func checkBatch(t *testing.T, b *datasets.Batch, s datasets.Shape) {
	t.Helper()
	checkDims(t, "frames", b.Frames, s.BatchSize, s.NCond, 3, s.Height, s.Width)
	checkDims(t, "states", b.States, s.BatchSize, s.NCond, s.StateSize)
	checkDims(t, "actions", b.Actions, s.BatchSize, s.NPred, s.NActions)
	checkDims(t, "target frames", b.TargetFrames, s.BatchSize, s.NPred, 3, s.Height, s.Width)
	checkDims(t, "target states", b.TargetStates, s.BatchSize, s.NPred, s.StateSize)
	checkDims(t, "target costs", b.TargetCosts, s.BatchSize, s.NPred, datasets.NumCosts)
	checkDims(t, "car sizes", b.CarSizes, s.BatchSize, 2)
	if b.Size() != s.BatchSize {
		t.Fatalf("Size() = %d, want %d", b.Size(), s.BatchSize)
	}
	for _, v := range tensors.CopyFlatData[float32](b.Frames) {
		if v < 0 || v > 1 {
			t.Fatalf("frame value %g out of [0, 1]", v)
		}
	}
	for _, v := range tensors.CopyFlatData[float32](b.TargetCosts) {
		if v < 0 || v > 1 {
			t.Fatalf("cost %g out of [0, 1]", v)
		}
	}
}

func TestSynthetic_Batches(t *testing.T) {
	s := testShape()
	src, err := datasets.NewSynthetic(s, 42)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	b, err := src.NextBatch(datasets.Train)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	checkBatch(t, b, s)

	// Same seed, same stream.
	other, err := datasets.NewSynthetic(s, 42)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	b2, err := other.NextBatch(datasets.Train)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	s1 := tensors.CopyFlatData[float32](b.States)
	s2 := tensors.CopyFlatData[float32](b2.States)
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("states differ at %d: %g != %g", i, s1[i], s2[i])
		}
	}

	if _, err := src.NextBatch(datasets.Split("bogus")); err == nil {
		t.Fatalf("expected an error for an unknown split")
	}
	stats := src.Stats()
	if err := stats.Validate(s.StateSize, s.NActions); err != nil {
		t.Fatalf("invalid stats: %v", err)
	}
}

func TestShape_Validate(t *testing.T) {
	s := testShape()
	s.StateSize = 3
	if err := s.Validate(); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
	s = testShape()
	s.NPred = 0
	if _, err := datasets.NewSynthetic(s, 1); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestRenderer(t *testing.T) {
	r := datasets.NewRenderer(32, 32, 3)
	ego := datasets.Vehicle{X: r.LaneCenter(1), Width: 6, Length: 15}
	frame := make([]float32, 3*32*32)
	r.Render(datasets.Scene{Ego: ego}, frame)
	plane := 32 * 32
	if frame[2*plane+16*32+16] != 1 {
		t.Fatalf("ego car not drawn at the frame center")
	}
	for _, v := range frame[plane : 2*plane] {
		if v != 0 {
			t.Fatalf("green channel should be empty without other vehicles")
		}
	}

	prox, lane := r.Costs(datasets.Scene{Ego: ego}, 3)
	if prox != 0 || lane != 0 {
		t.Fatalf("alone at a lane center: got costs %g, %g", prox, lane)
	}
	close := datasets.Vehicle{X: ego.X, Y: 16, Width: 6, Length: 15}
	prox, _ = r.Costs(datasets.Scene{Ego: ego, Others: []datasets.Vehicle{close}}, 3)
	if prox <= 0.5 {
		t.Fatalf("vehicle right ahead should cost more than 0.5, got %g", prox)
	}
	onMarking := ego
	onMarking.X = r.LaneWidth
	if _, lane = r.Costs(datasets.Scene{Ego: onMarking}, 3); lane != 1 {
		t.Fatalf("on a lane marking the lane cost should be 1, got %g", lane)
	}
}

// TestTrajectoryDataset_LoadAndRead writes episodes to temporary CSV files and
// reads batches back.
func TestTrajectoryDataset_LoadAndRead(t *testing.T) {
	tmp := t.TempDir()
	header := "episode,x,y,vx,vy,accel,steer,width,length,car0_x,car0_y"
	var rows []string
	for ep := 0; ep < 10; ep++ {
		for step := 0; step < 12; step++ {
			car := fmt.Sprintf("18,%d", 30-step)
			if step%3 == 0 {
				car = ","
			}
			rows = append(rows, fmt.Sprintf("%d,%g,%d,0,%d,0.%d,0,6,14,%s", ep, 18+0.1*float64(step), 3*step, 3+ep%2, step%5, car))
		}
	}
	// An episode too short to be used.
	rows = append(rows, "99,18,0,0,3,0,0,6,14,,")
	writeCSV(t, filepath.Join(tmp, "a.csv"), header, rows[:60])
	writeCSV(t, filepath.Join(tmp, "b.csv"), header, rows[60:])

	s := testShape()
	ds, err := datasets.NewTrajectoryDataset(filepath.Join(tmp, "*.csv"), "", s, 7)
	if err != nil {
		t.Fatalf("NewTrajectoryDataset failed: %v", err)
	}
	if got := ds.Len(datasets.Train) + ds.Len(datasets.Valid) + ds.Len(datasets.Test); got != 10 {
		t.Fatalf("expected 10 usable episodes, got %d", got)
	}
	if ds.Len(datasets.Valid) != 1 || ds.Len(datasets.Test) != 1 {
		t.Fatalf("expected one validation and one test episode, got %d and %d", ds.Len(datasets.Valid), ds.Len(datasets.Test))
	}
	b, err := ds.NextBatch(datasets.Train)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	checkBatch(t, b, s)
	sizes := tensors.CopyFlatData[float32](b.CarSizes)
	if sizes[0] != 6 || sizes[1] != 14 {
		t.Fatalf("unexpected car sizes %v", sizes)
	}
	if _, err := ds.NextBatch(datasets.Test); err != nil {
		t.Fatalf("NextBatch(test) failed: %v", err)
	}
}

func TestTrajectoryDataset_MissingColumn(t *testing.T) {
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "a.csv"), "episode,x,y,vx,accel,steer", []string{"1,0,0,0,0,0"})
	_, err := datasets.NewTrajectoryDataset(filepath.Join(tmp, "*.csv"), "", testShape(), 1)
	if err == nil || !strings.Contains(err.Error(), `"vy"`) {
		t.Fatalf("expected a missing column error, got %v", err)
	}
	if _, err := datasets.FindCSVInAssets(filepath.Join(tmp, "nothing")); err == nil {
		t.Fatalf("expected an error for a directory without CSV files")
	}
}
