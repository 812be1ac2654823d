package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Noofbiz/worldModel/cost"
	"k8s.io/klog/v2"
)

// TrajectoryDataset lazily loads recorded episodes from CSV files matching a
// pattern. Rows are grouped into episodes by an identifier column and must be
// in time order within an episode.
//
// Required columns: the episode identifier, x, y, vx, vy, accel, steer.
// Optional columns: width and length (the ego car, in feet) and any number of
// car<i>_x, car<i>_y pairs with the lateral position and longitudinal offset
// of other vehicles; empty cells mean the vehicle is absent.
//
// Only the index of the episodes and their states/actions (for the
// normalisation statistics) are kept in memory. Frames are rendered when a
// batch is built.
type TrajectoryDataset struct {
	// Pattern used to find the CSV files.
	Pattern string

	shape    Shape
	renderer Renderer
	csvPaths []string

	episodeCol int
	stateCols  []int
	actionCols []int
	widthCol   int
	lengthCol  int
	carCols    [][2]int

	episodes map[Split][]episodeLocation
	stats    cost.Stats

	mu   sync.Mutex
	rand *rand.Rand
}

type episodeLocation struct {
	id      string
	fileIdx int
	rows    []int
}

var (
	stateColumns  = []string{"x", "y", "vx", "vy"}
	actionColumns = []string{"accel", "steer"}
)

// NewTrajectoryDataset indexes the episodes of the CSV files matching pattern.
// Episodes are split 80/10/10 into train, validation and test by their sorted
// identifiers. Episodes shorter than NCond+NPred steps are skipped.
func NewTrajectoryDataset(pattern, episodeCol string, shape Shape, seed int64) (*TrajectoryDataset, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}
	sort.Strings(csvPaths)

	ds := &TrajectoryDataset{
		Pattern:  pattern,
		shape:    shape,
		renderer: NewRenderer(shape.Height, shape.Width, 3),
		csvPaths: csvPaths,
		episodes: make(map[Split][]episodeLocation),
		rand:     rand.New(rand.NewSource(seed)),
	}
	if err := ds.initializeColumns(episodeCol); err != nil {
		return nil, err
	}
	if err := ds.buildEpisodeIndex(); err != nil {
		return nil, err
	}
	return ds, nil
}

// initializeColumns determines column indices from the first file.
func (d *TrajectoryDataset) initializeColumns(episodeCol string) error {
	file, err := os.Open(d.csvPaths[0])
	if err != nil {
		return fmt.Errorf("failed to open first CSV: %w", err)
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}

	d.episodeCol = -1
	candidates := []string{"episode", "episode_id", "ep"}
	if episodeCol != "" {
		candidates = append([]string{strings.ToLower(episodeCol)}, candidates...)
	}
	for _, name := range candidates {
		if idx, ok := colIndex[name]; ok {
			d.episodeCol = idx
			break
		}
	}
	if d.episodeCol == -1 {
		return fmt.Errorf("could not find episode ID column")
	}

	lookup := func(names []string) ([]int, error) {
		cols := make([]int, len(names))
		for i, name := range names {
			idx, ok := colIndex[name]
			if !ok {
				return nil, fmt.Errorf("required column %q not found in CSV", name)
			}
			cols[i] = idx
		}
		return cols, nil
	}
	if d.stateCols, err = lookup(stateColumns); err != nil {
		return err
	}
	if d.actionCols, err = lookup(actionColumns); err != nil {
		return err
	}
	d.widthCol, d.lengthCol = -1, -1
	if idx, ok := colIndex["width"]; ok {
		d.widthCol = idx
	}
	if idx, ok := colIndex["length"]; ok {
		d.lengthCol = idx
	}
	for i := 0; ; i++ {
		xIdx, okX := colIndex[fmt.Sprintf("car%d_x", i)]
		yIdx, okY := colIndex[fmt.Sprintf("car%d_y", i)]
		if !okX || !okY {
			break
		}
		d.carCols = append(d.carCols, [2]int{xIdx, yIdx})
	}
	return nil
}

// buildEpisodeIndex scans all files, recording the rows of each episode and
// the normalisation statistics of all states and actions.
func (d *TrajectoryDataset) buildEpisodeIndex() error {
	var all []episodeLocation
	var states, actions [][]float32
	byID := make(map[string]int)
	for fileIdx, path := range d.csvPaths {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		reader := csv.NewReader(file)
		if _, err := reader.Read(); err != nil {
			file.Close()
			return fmt.Errorf("failed to read header of %s: %w", path, err)
		}
		rowIdx := 0
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return fmt.Errorf("failed to scan %s: %w", path, err)
			}
			id := record[d.episodeCol]
			key := fmt.Sprintf("%d/%s", fileIdx, id)
			i, ok := byID[key]
			if !ok {
				i = len(all)
				byID[key] = i
				all = append(all, episodeLocation{id: id, fileIdx: fileIdx})
			}
			all[i].rows = append(all[i].rows, rowIdx)
			st, err := parseColumns(record, d.stateCols)
			if err != nil {
				file.Close()
				return fmt.Errorf("%s row %d: %w", path, rowIdx, err)
			}
			act, err := parseColumns(record, d.actionCols)
			if err != nil {
				file.Close()
				return fmt.Errorf("%s row %d: %w", path, rowIdx, err)
			}
			states = append(states, st)
			actions = append(actions, act)
			rowIdx++
		}
		file.Close()
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].fileIdx != all[j].fileIdx {
			return all[i].fileIdx < all[j].fileIdx
		}
		return all[i].id < all[j].id
	})
	minLen := d.shape.NCond + d.shape.NPred
	skipped := 0
	for i, ep := range all {
		if len(ep.rows) < minLen {
			skipped++
			continue
		}
		split := Train
		switch i % 10 {
		case 8:
			split = Valid
		case 9:
			split = Test
		}
		d.episodes[split] = append(d.episodes[split], ep)
	}
	if skipped > 0 {
		klog.Warningf("skipped %d episodes shorter than %d steps", skipped, minLen)
	}
	if len(d.episodes[Train]) == 0 {
		return fmt.Errorf("no training episode with at least %d steps in %s", minLen, d.Pattern)
	}
	d.stats = EstimateStats(states, actions)
	return nil
}

func parseColumns(record []string, cols []int) ([]float32, error) {
	values := make([]float32, len(cols))
	for i, c := range cols {
		v, err := parseFloat32(record[c])
		if err != nil {
			return nil, fmt.Errorf("failed to parse column %d: %w", c, err)
		}
		values[i] = v
	}
	return values, nil
}

// Shape implements Source.
func (d *TrajectoryDataset) Shape() Shape { return d.shape }

// Stats returns the normalisation statistics of states and actions.
func (d *TrajectoryDataset) Stats() cost.Stats { return d.stats.Clone() }

// Len returns the number of episodes of a split.
func (d *TrajectoryDataset) Len(split Split) int { return len(d.episodes[split]) }

// NextBatch implements Source: random segments of random episodes of the split.
func (d *TrajectoryDataset) NextBatch(split Split) (*Batch, error) {
	episodes := d.episodes[split]
	if len(episodes) == 0 {
		return nil, fmt.Errorf("split %q has no episodes", split)
	}
	total := d.shape.NCond + d.shape.NPred
	bb := newBatchBuffers(d.shape)
	for b := range d.shape.BatchSize {
		d.mu.Lock()
		ep := episodes[d.rand.Intn(len(episodes))]
		start := d.rand.Intn(len(ep.rows) - total + 1)
		d.mu.Unlock()
		seg, err := d.loadSegment(ep, ep.rows[start:start+total])
		if err != nil {
			return nil, err
		}
		normalizeSegment(seg, d.stats)
		if err := bb.setEpisode(b, seg); err != nil {
			return nil, err
		}
	}
	return bb.toBatch(), nil
}

// loadSegment reads the given rows of an episode and renders their frames.
func (d *TrajectoryDataset) loadSegment(ep episodeLocation, rows []int) (*segment, error) {
	file, err := os.Open(d.csvPaths[ep.fileIdx])
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, err
	}

	wanted := make(map[int]int, len(rows))
	for i, r := range rows {
		wanted[r] = i
	}
	records := make([][]string, len(rows))
	currentRow, found := 0, 0
	for found < len(rows) {
		record, err := reader.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("episode %s: row %d not found", ep.id, rows[found])
		}
		if err != nil {
			return nil, err
		}
		if i, ok := wanted[currentRow]; ok {
			records[i] = record
			found++
		}
		currentRow++
	}

	seg := &segment{carWidth: DefaultCarWidth, carLength: DefaultCarLength}
	if d.widthCol >= 0 {
		if v, err := parseFloat32(records[0][d.widthCol]); err == nil {
			seg.carWidth = v
		}
	}
	if d.lengthCol >= 0 {
		if v, err := parseFloat32(records[0][d.lengthCol]); err == nil {
			seg.carLength = v
		}
	}
	r := d.renderer
	for _, record := range records {
		st, err := parseColumns(record, d.stateCols)
		if err != nil {
			return nil, err
		}
		act, err := parseColumns(record, d.actionCols)
		if err != nil {
			return nil, err
		}
		scene := Scene{Ego: Vehicle{X: float64(st[0]), Width: float64(seg.carWidth), Length: float64(seg.carLength)}}
		for _, cols := range d.carCols {
			x, errX := parseFloat32(record[cols[0]])
			y, errY := parseFloat32(record[cols[1]])
			if errX != nil || errY != nil {
				continue
			}
			scene.Others = append(scene.Others, Vehicle{X: float64(x), Y: float64(y), Width: DefaultCarWidth, Length: DefaultCarLength})
		}
		frame := make([]float32, 3*r.Height*r.Width)
		r.Render(scene, frame)
		proximity, lane := r.Costs(scene, float64(st[3]))
		seg.frames = append(seg.frames, frame)
		seg.states = append(seg.states, st)
		seg.actions = append(seg.actions, act)
		seg.costs = append(seg.costs, []float32{float32(proximity), float32(lane)})
	}
	return seg, nil
}
