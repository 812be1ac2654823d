package latent

import (
	"container/heap"
	"context"
	"runtime"
	"sort"

	"github.com/Noofbiz/worldModel/errs"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Neighbor is one entry of a neighbor list.
type Neighbor struct {
	Index    int
	Distance float64
}

// Index holds, for every row of a Table, its K nearest other rows (Euclidean),
// sorted by increasing distance, ties broken by increasing row index. A row is
// never its own neighbor.
type Index struct {
	table     *Table
	k         int
	neighbors [][]Neighbor
}

// BuildIndex scans all pairs of rows of table and keeps, per row, the k
// nearest other rows. k is capped at table.Len()-1.
//
// Rows are processed in parallel by up to workers goroutines (runtime.NumCPU()
// if workers <= 0). The scan stops early if ctx is cancelled.
func BuildIndex(ctx context.Context, table *Table, k, workers int) (*Index, error) {
	const op = "latent.BuildIndex"
	n := table.Len()
	if n == 0 {
		return nil, errs.EmptyDistributionf(op, "latent table is empty")
	}
	if k < 1 {
		return nil, errs.Configurationf(op, "k must be >= 1, got %d", k)
	}
	if k > n-1 {
		k = n - 1
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	neighbors := make([][]Neighbor, n)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i := 0; i < n; i++ {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			neighbors[i] = nearestOf(table, i, k)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("latent neighbor index built: %d rows, k=%d", n, k)
	return &Index{table: table, k: k, neighbors: neighbors}, nil
}

// nearestOf keeps the k nearest rows to row i with a bounded max-heap.
func nearestOf(table *Table, i, k int) []Neighbor {
	if k == 0 {
		return nil
	}
	h := make(neighborHeap, 0, k+1)
	row := table.rows[i]
	for j, other := range table.rows {
		if j == i {
			continue
		}
		nb := Neighbor{Index: j, Distance: floats.Distance(row, other, 2)}
		if len(h) < k {
			heap.Push(&h, nb)
		} else if nb.closerThan(h[0]) {
			h[0] = nb
			heap.Fix(&h, 0)
		}
	}
	result := []Neighbor(h)
	sort.Slice(result, func(a, b int) bool { return result[a].closerThan(result[b]) })
	return result
}

func (nb Neighbor) closerThan(other Neighbor) bool {
	if nb.Distance != other.Distance {
		return nb.Distance < other.Distance
	}
	return nb.Index < other.Index
}

// neighborHeap is a max-heap on distance: the root is the farthest kept neighbor.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(a, b int) bool { return h[b].closerThan(h[a]) }
func (h neighborHeap) Swap(a, b int)      { h[a], h[b] = h[b], h[a] }
func (h *neighborHeap) Push(x any)        { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

// K is the number of neighbors kept per row.
func (ix *Index) K() int { return ix.k }

// Table returns the indexed table.
func (ix *Index) Table() *Table { return ix.table }

// Len returns the number of indexed rows.
func (ix *Index) Len() int { return len(ix.neighbors) }

// Neighbors returns the sorted neighbor list of row i. It must not be modified.
func (ix *Index) Neighbors(i int) []Neighbor { return ix.neighbors[i] }
