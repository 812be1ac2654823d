package datasets

import (
	"math/rand"
	"sync"

	"github.com/Noofbiz/worldModel/cost"
	"github.com/pkg/errors"
)

// Default car size in feet.
const (
	DefaultCarWidth  = 6.0
	DefaultCarLength = 15.0
)

// Synthetic simulates episodes on a straight three lane road. The ego car
// starts in the middle lane and drives with random accelerations and steering;
// the other vehicles keep their lane at a constant speed.
//
// States are (x, y, vx, vy) in feet and feet per step, y relative to the
// episode start. Actions are (acceleration, steering). Batches are normalised
// with the statistics returned by Stats.
type Synthetic struct {
	shape    Shape
	renderer Renderer

	// Vehicles is the number of other vehicles per episode.
	Vehicles int

	stats cost.Stats

	mu   sync.Mutex
	rngs map[Split]*rand.Rand
}

// NewSynthetic creates a synthetic source. Each split has its own random
// stream derived from seed.
func NewSynthetic(shape Shape, seed int64) (*Synthetic, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	s := &Synthetic{
		shape:    shape,
		renderer: NewRenderer(shape.Height, shape.Width, 3),
		Vehicles: 4,
		rngs: map[Split]*rand.Rand{
			Train: rand.New(rand.NewSource(seed)),
			Valid: rand.New(rand.NewSource(seed + 1)),
			Test:  rand.New(rand.NewSource(seed + 2)),
		},
	}
	// Normalisation statistics from a separate stream.
	rng := rand.New(rand.NewSource(seed + 3))
	var states, actions [][]float32
	for range 256 {
		seg := s.episode(rng)
		states = append(states, seg.states...)
		actions = append(actions, seg.actions...)
	}
	s.stats = EstimateStats(states, actions)
	return s, nil
}

// Shape implements Source.
func (s *Synthetic) Shape() Shape { return s.shape }

// Stats returns the normalisation statistics of states and actions.
func (s *Synthetic) Stats() cost.Stats { return s.stats.Clone() }

// Renderer returns the renderer used for the frames.
func (s *Synthetic) Renderer() Renderer { return s.renderer }

// NextBatch implements Source.
func (s *Synthetic) NextBatch(split Split) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rng, ok := s.rngs[split]
	if !ok {
		return nil, errors.Errorf("unknown split %q", split)
	}
	bb := newBatchBuffers(s.shape)
	for b := range s.shape.BatchSize {
		seg := s.episode(rng)
		normalizeSegment(seg, s.stats)
		if err := bb.setEpisode(b, seg); err != nil {
			return nil, err
		}
	}
	return bb.toBatch(), nil
}

// episode simulates NCond+NPred steps, in raw units.
func (s *Synthetic) episode(rng *rand.Rand) *segment {
	total := s.shape.NCond + s.shape.NPred
	r := s.renderer
	ego := Vehicle{X: r.LaneCenter(1) + rng.NormFloat64(), Width: DefaultCarWidth, Length: DefaultCarLength}
	speed := 2 + 2*rng.Float64()
	viewRange := float64(r.Height) / r.PixelsPerFoot
	others := make([]Vehicle, s.Vehicles)
	speeds := make([]float64, s.Vehicles)
	for i := range others {
		others[i] = Vehicle{
			X:      r.LaneCenter(rng.Intn(r.Lanes)),
			Y:      (rng.Float64() - 0.5) * viewRange,
			Width:  DefaultCarWidth,
			Length: DefaultCarLength * (0.8 + 0.4*rng.Float64()),
		}
		speeds[i] = speed + 0.5*rng.NormFloat64()
	}

	seg := &segment{carWidth: DefaultCarWidth, carLength: DefaultCarLength}
	var y, vx float64
	for range total {
		scene := Scene{Ego: ego, Others: append([]Vehicle(nil), others...)}
		frame := make([]float32, 3*r.Height*r.Width)
		r.Render(scene, frame)
		proximity, lane := r.Costs(scene, speed)
		accel := 0.1 * rng.NormFloat64()
		steer := 0.05 * rng.NormFloat64()

		seg.frames = append(seg.frames, frame)
		seg.states = append(seg.states, []float32{float32(ego.X), float32(y), float32(vx), float32(speed)})
		seg.actions = append(seg.actions, []float32{float32(accel), float32(steer)})
		seg.costs = append(seg.costs, []float32{float32(proximity), float32(lane)})

		speed = max(speed+accel, 0)
		vx = steer * speed
		ego.X += vx
		y += speed
		for i := range others {
			others[i].Y += speeds[i] - speed
		}
	}
	return seg
}

// normalizeSegment standardises the states and actions of a segment in place.
func normalizeSegment(seg *segment, stats cost.Stats) {
	for _, st := range seg.states {
		stats.NormalizeStates(st)
	}
	for _, a := range seg.actions {
		for i := range a {
			a[i] = (a[i] - stats.ActionMean[i]) / (stats.ActionStd[i] + 1e-8)
		}
	}
}
