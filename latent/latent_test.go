package latent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"
	"sort"
	"testing"

	"github.com/Noofbiz/worldModel/errs"
	"gonum.org/v1/gonum/floats"
)

// syntheticTable creates n random latents of size dim.
func syntheticTable(t *testing.T, n, dim int, seed int64) *Table {
	rng := rand.New(rand.NewSource(seed))
	b := NewBuilder(dim)
	flat := make([]float32, n*dim)
	for i := range flat {
		flat[i] = float32(rng.NormFloat64())
	}
	if err := b.Append(flat); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return b.Freeze()
}

// lineTable holds rows {i, 0} for i in [0, n).
func lineTable(t *testing.T, n int) *Table {
	b := NewBuilder(2)
	flat := make([]float32, 0, 2*n)
	for i := range n {
		flat = append(flat, float32(i), 0)
	}
	if err := b.Append(flat); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return b.Freeze()
}

// bruteNearest returns the topZ rows closest to row i, i excluded.
func bruteNearest(table *Table, i, topZ int) []int {
	var dists []Neighbor
	for j := 0; j < table.Len(); j++ {
		if j != i {
			dists = append(dists, Neighbor{Index: j, Distance: floats.Distance(table.Row(i), table.Row(j), 2)})
		}
	}
	sort.Slice(dists, func(a, c int) bool { return dists[a].closerThan(dists[c]) })
	rows := make([]int, 0, topZ)
	for _, nb := range dists[:topZ] {
		rows = append(rows, nb.Index)
	}
	return rows
}

func TestBuilderAppendAndFreeze(t *testing.T) {
	b := NewBuilder(3)
	if err := b.Append([]float32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}

	frozen := b.Freeze()
	if err := b.Append([]float32{7, 8, 9}); err != nil {
		t.Fatalf("Append after Freeze: %v", err)
	}
	if frozen.Len() != 2 {
		t.Errorf("frozen table must not see later appends, Len = %d", frozen.Len())
	}
	if b.Len() != 3 {
		t.Errorf("builder Len = %d, want 3", b.Len())
	}
	if got := frozen.Row(1); !slices.Equal(got, []float64{4, 5, 6}) {
		t.Errorf("Row(1) = %v", got)
	}
	if got := frozen.Flat32(); !slices.Equal(got, []float32{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Flat32 = %v", got)
	}
	if err := b.Append([]float32{1, 2}); !errors.Is(err, errs.ErrShapeMismatch) {
		t.Errorf("partial row: expected shape mismatch, got %v", err)
	}
}

func TestIndexNeighborListsSorted(t *testing.T) {
	for _, tc := range []struct{ n, k int }{{100, 10}, {20, 50}, {2, 4}} {
		table := syntheticTable(t, tc.n, 4, 7)
		ix, err := BuildIndex(context.Background(), table, tc.k, 3)
		if err != nil {
			t.Fatalf("BuildIndex(n=%d, k=%d): %v", tc.n, tc.k, err)
		}
		wantK := min(tc.k, tc.n-1)
		if ix.Len() != tc.n {
			t.Errorf("index size %d must equal table size %d", ix.Len(), tc.n)
		}
		if ix.K() != wantK {
			t.Errorf("K = %d, want %d", ix.K(), wantK)
		}
		for i := 0; i < ix.Len(); i++ {
			nbs := ix.Neighbors(i)
			if len(nbs) != wantK {
				t.Fatalf("row %d has %d neighbors, want %d", i, len(nbs), wantK)
			}
			if !sort.SliceIsSorted(nbs, func(a, b int) bool { return nbs[a].Distance < nbs[b].Distance }) {
				t.Errorf("row %d: neighbors not sorted by distance", i)
			}
			for _, nb := range nbs {
				if nb.Index == i {
					t.Errorf("row %d is its own neighbor", i)
				}
				want := floats.Distance(table.Row(i), table.Row(nb.Index), 2)
				if math.Abs(want-nb.Distance) > 1e-9 {
					t.Errorf("row %d -> %d: distance %g, want %g", i, nb.Index, nb.Distance, want)
				}
			}
		}
	}
}

// The kept neighbors must be exactly the K smallest distances of a brute force scan.
func TestIndexMatchesBruteForce(t *testing.T) {
	table := syntheticTable(t, 60, 3, 11)
	ix, err := BuildIndex(context.Background(), table, 5, 0)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	for i := 0; i < table.Len(); i++ {
		want := bruteNearest(table, i, 5)
		got := make([]int, 0, 5)
		for _, nb := range ix.Neighbors(i) {
			got = append(got, nb.Index)
		}
		if !slices.Equal(got, want) {
			t.Fatalf("row %d: neighbors %v, brute force %v", i, got, want)
		}
	}
}

func TestEmptyDistribution(t *testing.T) {
	empty := NewBuilder(4).Freeze()
	if _, err := BuildIndex(context.Background(), empty, 5, 1); !errors.Is(err, errs.ErrEmptyDistribution) {
		t.Errorf("BuildIndex on empty table: %v", err)
	}

	s := NewSampler(1)
	if _, err := s.FixedPriorSequence(empty, 2, 3); !errors.Is(err, errs.ErrEmptyDistribution) {
		t.Errorf("FixedPriorSequence on empty table: %v", err)
	}
	if _, err := s.KNNSequence(nil, nil, 2, 3, 5); !errors.Is(err, errs.ErrEmptyDistribution) {
		t.Errorf("KNNSequence without index: %v", err)
	}
	if _, _, err := empty.Nearest([]float64{0, 0, 0, 0}); !errors.Is(err, errs.ErrEmptyDistribution) {
		t.Errorf("Nearest on empty table: %v", err)
	}
}

func TestFixedPriorSequence(t *testing.T) {
	table := syntheticTable(t, 30, 2, 3)
	seq, err := NewSampler(5).FixedPriorSequence(table, 4, 6)
	if err != nil {
		t.Fatalf("FixedPriorSequence: %v", err)
	}
	if len(seq.Values) != 4*6*2 {
		t.Fatalf("%d values, want %d", len(seq.Values), 4*6*2)
	}
	for i, row := range seq.Indices {
		if seq.Values[i*2] != float32(table.Row(row)[0]) || seq.Values[i*2+1] != float32(table.Row(row)[1]) {
			t.Fatalf("entry %d: values %v do not match row %d", i, seq.Values[i*2:i*2+2], row)
		}
	}
}

// With topz_sample=5 every step, the first included, is among the 5 nearest
// neighbors of the previous row; before the first step the given latent is
// quantized to its nearest row.
func TestKNNSequenceStaysAmongNearest(t *testing.T) {
	const topZ = 5
	table := syntheticTable(t, 100, 4, 13)
	ix, err := BuildIndex(context.Background(), table, 20, 2)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	initial := [][]float64{{0.1, -0.2, 0.3, 0.0}, append([]float64(nil), table.Row(42)...)}
	seq, err := NewSampler(99).KNNSequence(ix, initial, len(initial), 10, topZ)
	if err != nil {
		t.Fatalf("KNNSequence: %v", err)
	}

	for b := range initial {
		start, _, err := table.Nearest(initial[b])
		if err != nil {
			t.Fatalf("Nearest: %v", err)
		}
		prev := start
		for step := 0; step < seq.Steps; step++ {
			cur := seq.Indices[b*seq.Steps+step]
			if !slices.Contains(bruteNearest(table, prev, topZ), cur) {
				t.Errorf("example %d step %d: row %d is not among the %d nearest of row %d", b, step, cur, topZ, prev)
			}
			prev = cur
		}
	}
}

// Rows on a line, starting next to row 10: the first step is spread over the
// neighbors of row 10 and never stays on it.
func TestKNNSequenceFirstStepDrawsNeighbor(t *testing.T) {
	const topZ = 5
	table := lineTable(t, 20)
	ix, err := BuildIndex(context.Background(), table, 10, 1)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	allowed := bruteNearest(table, 10, topZ)
	s := NewSampler(7)
	seen := map[int]int{}
	for range 200 {
		seq, err := s.KNNSequence(ix, [][]float64{{10.2, 0}}, 1, 1, topZ)
		if err != nil {
			t.Fatalf("KNNSequence: %v", err)
		}
		first := seq.Indices[0]
		if !slices.Contains(allowed, first) {
			t.Fatalf("first step row %d not among %v", first, allowed)
		}
		seen[first]++
	}
	if len(seen) < 2 {
		t.Fatalf("first-step rows over 200 draws: %v, want several neighbors", seen)
	}
}

func TestSamplerReseedIsDeterministic(t *testing.T) {
	table := syntheticTable(t, 50, 3, 1)
	s := NewSampler(0)
	s.Reseed(123)
	a, err := s.FixedPriorSequence(table, 3, 4)
	if err != nil {
		t.Fatalf("FixedPriorSequence: %v", err)
	}
	s.Reseed(123)
	b, err := s.FixedPriorSequence(table, 3, 4)
	if err != nil {
		t.Fatalf("FixedPriorSequence: %v", err)
	}
	if !slices.Equal(a.Indices, b.Indices) {
		t.Fatalf("reseeded sequences differ: %v vs %v", a.Indices, b.Indices)
	}
}
