package latent

import (
	"math/rand"
	"sync"
	"time"

	"github.com/Noofbiz/worldModel/errs"
)

// Sampler draws latents from a Table or an Index. It is safe for concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a Sampler seeded with seed. Use a time based seed for
// non-reproducible draws.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// NewRandomSampler creates a Sampler seeded from the clock.
func NewRandomSampler() *Sampler {
	return NewSampler(time.Now().UnixNano())
}

// Reseed resets the random source.
func (s *Sampler) Reseed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

func (s *Sampler) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// FixedPrior draws n row indices uniformly, with replacement.
func (s *Sampler) FixedPrior(t *Table, n int) ([]int, error) {
	if t.Len() == 0 {
		return nil, errs.EmptyDistributionf("latent.Sampler.FixedPrior", "latent table is empty, run the estimation pass first")
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = s.intn(t.Len())
	}
	return idx, nil
}

// Next picks, for each previous row index, one of its topZ nearest neighbors
// uniformly. topZ is capped at the index's K.
func (s *Sampler) Next(ix *Index, prev []int, topZ int) ([]int, error) {
	const op = "latent.Sampler.Next"
	if ix == nil || ix.Len() == 0 || ix.K() == 0 {
		return nil, errs.EmptyDistributionf(op, "neighbor index not built or has no neighbors, build the latent graph first")
	}
	if topZ < 1 {
		return nil, errs.Configurationf(op, "topz_sample must be >= 1, got %d", topZ)
	}
	next := make([]int, len(prev))
	for i, p := range prev {
		if p < 0 || p >= ix.Len() {
			return nil, errs.ShapeMismatchf(op, "previous index %d outside table of %d rows", p, ix.Len())
		}
		neighbors := ix.Neighbors(p)
		n := topZ
		if n > len(neighbors) {
			n = len(neighbors)
		}
		next[i] = neighbors[s.intn(n)].Index
	}
	return next, nil
}

// Quantize returns, for each latent, the index of its nearest table row.
func (s *Sampler) Quantize(t *Table, latents [][]float64) ([]int, error) {
	idx := make([]int, len(latents))
	for i, z := range latents {
		j, _, err := t.Nearest(z)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	return idx, nil
}

// Sequence is a batch of latent sequences, flat [batch, steps, dim], with the
// table rows used for each entry.
type Sequence struct {
	Batch, Steps, Dim int
	Values            []float32

	// Indices[b*Steps+t] is the table row used for example b at step t.
	Indices []int
}

func newSequence(t *Table, batch, steps int) *Sequence {
	return &Sequence{
		Batch:   batch,
		Steps:   steps,
		Dim:     t.Dim(),
		Values:  make([]float32, batch*steps*t.Dim()),
		Indices: make([]int, batch*steps),
	}
}

func (seq *Sequence) set(t *Table, b, step, row int) {
	seq.Indices[b*seq.Steps+step] = row
	dst := seq.Values[(b*seq.Steps+step)*seq.Dim:]
	for j, v := range t.Row(row) {
		dst[j] = float32(v)
	}
}

// Last returns the table rows used at the last step, one per example.
func (seq *Sequence) Last() []int {
	last := make([]int, seq.Batch)
	for b := range last {
		last[b] = seq.Indices[b*seq.Steps+seq.Steps-1]
	}
	return last
}

// FixedPriorSequence draws every step of every example independently and
// uniformly from the table.
func (s *Sampler) FixedPriorSequence(t *Table, batch, steps int) (*Sequence, error) {
	idx, err := s.FixedPrior(t, batch*steps)
	if err != nil {
		return nil, err
	}
	seq := newSequence(t, batch, steps)
	for i, row := range idx {
		seq.set(t, i/steps, i%steps, row)
	}
	return seq, nil
}

// KNNSequence walks the neighbor graph. initial[b] is quantized to its nearest
// table row (without initial latents, nil, the start row is drawn from the
// fixed prior); then every step, the first included, picks uniformly among the
// topZ nearest neighbors of the previous row.
func (s *Sampler) KNNSequence(ix *Index, initial [][]float64, batch, steps, topZ int) (*Sequence, error) {
	const op = "latent.Sampler.KNNSequence"
	if ix == nil {
		return nil, errs.EmptyDistributionf(op, "neighbor index not built")
	}
	t := ix.Table()
	var (
		prev []int
		err  error
	)
	if initial != nil {
		if len(initial) != batch {
			return nil, errs.ShapeMismatchf(op, "%d initial latents for a batch of %d", len(initial), batch)
		}
		prev, err = s.Quantize(t, initial)
	} else {
		prev, err = s.FixedPrior(t, batch)
	}
	if err != nil {
		return nil, err
	}
	seq := newSequence(t, batch, steps)
	for step := 0; step < steps; step++ {
		// Every step, the first included, draws among the neighbors of the
		// previous row.
		if prev, err = s.Next(ix, prev, topZ); err != nil {
			return nil, err
		}
		for b, row := range prev {
			seq.set(t, b, step, row)
		}
	}
	return seq, nil
}
