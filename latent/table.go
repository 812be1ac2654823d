// Package latent holds the empirical latent distribution collected over a
// training dataset, the neighbor index built over it, and the host-side
// samplers drawing latent sequences from them.
//
// The distribution is built in two phases. A Builder is appended to during an
// estimation pass and then frozen into an immutable Table. Sampling only ever
// reads Tables and Indexes, so concurrent samplers are safe; replacing the
// table is the caller's stop-the-world step.
package latent

import (
	"math"

	"github.com/Noofbiz/worldModel/errs"
	"gonum.org/v1/gonum/floats"
)

// Builder accumulates latent rows. It is not safe for concurrent use.
type Builder struct {
	dim  int
	rows [][]float64
}

// NewBuilder creates an empty Builder for latents of size dim.
func NewBuilder(dim int) *Builder {
	return &Builder{dim: dim}
}

// Len returns the number of rows appended so far.
func (b *Builder) Len() int { return len(b.rows) }

// Append adds a batch of latents, given as flat row-major data whose length
// must be a multiple of the latent size. Non-finite values are rejected and
// nothing is appended.
func (b *Builder) Append(flat []float32) error {
	const op = "latent.Builder.Append"
	if b.dim <= 0 || len(flat)%b.dim != 0 {
		return errs.ShapeMismatchf(op, "%d values is not a multiple of the latent size %d", len(flat), b.dim)
	}
	n := len(flat) / b.dim
	batch := make([][]float64, n)
	for i := range batch {
		row := make([]float64, b.dim)
		for j := range row {
			v := float64(flat[i*b.dim+j])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errs.NumericInstabilityf(op, map[string]any{"row": len(b.rows) + i, "column": j}, "latent is not finite")
			}
			row[j] = v
		}
		batch[i] = row
	}
	b.rows = append(b.rows, batch...)
	return nil
}

// Freeze returns an immutable Table with the rows appended so far. The
// Builder can keep being used, it doesn't affect the returned Table.
func (b *Builder) Freeze() *Table {
	rows := make([][]float64, len(b.rows))
	copy(rows, b.rows)
	return &Table{dim: b.dim, rows: rows}
}

// Table is an immutable snapshot of the empirical latent distribution.
type Table struct {
	dim  int
	rows [][]float64
}

// NewTable creates a Table from rows, which are copied.
func NewTable(dim int, rows [][]float64) (*Table, error) {
	b := NewBuilder(dim)
	for i, row := range rows {
		if len(row) != dim {
			return nil, errs.ShapeMismatchf("latent.NewTable", "row %d has %d values, wanted %d", i, len(row), dim)
		}
		b.rows = append(b.rows, append([]float64(nil), row...))
	}
	return b.Freeze(), nil
}

// Len returns the number of rows, 0 for a nil Table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Dim returns the latent size.
func (t *Table) Dim() int { return t.dim }

// Row returns row i. It must not be modified.
func (t *Table) Row(i int) []float64 { return t.rows[i] }

// Rows returns a copy of all rows, e.g. for persisting the table.
func (t *Table) Rows() [][]float64 {
	rows := make([][]float64, len(t.rows))
	for i, row := range t.rows {
		rows[i] = append([]float64(nil), row...)
	}
	return rows
}

// Flat32 returns the table as row-major float32 data, shaped [Len, Dim].
func (t *Table) Flat32() []float32 {
	flat := make([]float32, 0, len(t.rows)*t.dim)
	for _, row := range t.rows {
		for _, v := range row {
			flat = append(flat, float32(v))
		}
	}
	return flat
}

// Nearest returns the index of the row closest (Euclidean) to z and its distance.
func (t *Table) Nearest(z []float64) (int, float64, error) {
	const op = "latent.Table.Nearest"
	if t.Len() == 0 {
		return 0, 0, errs.EmptyDistributionf(op, "latent table is empty")
	}
	if len(z) != t.dim {
		return 0, 0, errs.ShapeMismatchf(op, "latent has %d values, wanted %d", len(z), t.dim)
	}
	best, bestDist := 0, math.Inf(1)
	for i, row := range t.rows {
		if d := floats.Distance(z, row, 2); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist, nil
}
