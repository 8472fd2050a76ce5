// Package sparse implements a compressed sparse row matrix.
package sparse

import (
	"fmt"
	"sort"
)

// CSR is a row-compressed matrix. Row i holds the entries
// Indices[Indptr[i]:Indptr[i+1]] / Data[Indptr[i]:Indptr[i+1]], with column
// indices strictly increasing. Absent entries are zero.
type CSR struct {
	Rows    int
	Cols    int
	Indptr  []int
	Indices []int
	Data    []float64
}

// Builder appends rows to a CSR matrix.
type Builder struct {
	m CSR
}

func NewBuilder(cols int) *Builder {
	return &Builder{m: CSR{Cols: cols, Indptr: []int{0}}}
}

// AddRow appends one row. Columns may arrive in any order; duplicates are
// summed and explicit zeros are dropped.
func (b *Builder) AddRow(cols []int, vals []float64) error {
	if len(cols) != len(vals) {
		return fmt.Errorf("row has %d columns and %d values", len(cols), len(vals))
	}
	type entry struct {
		col int
		val float64
	}
	entries := make([]entry, len(cols))
	for i, c := range cols {
		if c < 0 || c >= b.m.Cols {
			return fmt.Errorf("column %d out of range [0, %d)", c, b.m.Cols)
		}
		entries[i] = entry{c, vals[i]}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].col < entries[j].col })

	for i := 0; i < len(entries); {
		c, v := entries[i].col, entries[i].val
		j := i + 1
		for ; j < len(entries) && entries[j].col == c; j++ {
			v += entries[j].val
		}
		if v != 0 {
			b.m.Indices = append(b.m.Indices, c)
			b.m.Data = append(b.m.Data, v)
		}
		i = j
	}
	b.m.Rows++
	b.m.Indptr = append(b.m.Indptr, len(b.m.Indices))
	return nil
}

// Build returns the matrix. The builder must not be used afterwards.
func (b *Builder) Build() *CSR {
	m := b.m
	return &m
}

// NNZ returns the number of stored entries.
func (m *CSR) NNZ() int { return len(m.Data) }

// Row returns the stored column indices and values of row i.
func (m *CSR) Row(i int) ([]int, []float64) {
	lo, hi := m.Indptr[i], m.Indptr[i+1]
	return m.Indices[lo:hi], m.Data[lo:hi]
}

// At returns entry (i, j).
func (m *CSR) At(i, j int) float64 {
	idx, vals := m.Row(i)
	k := sort.SearchInts(idx, j)
	if k < len(idx) && idx[k] == j {
		return vals[k]
	}
	return 0
}

// Sparsity is the fraction of entries that are zero, in [0, 1].
func (m *CSR) Sparsity() float64 {
	total := m.Rows * m.Cols
	if total == 0 {
		return 0
	}
	return 1 - float64(m.NNZ())/float64(total)
}

// Dense expands the matrix. Intended for small matrices and tests.
func (m *CSR) Dense() [][]float64 {
	out := make([][]float64, m.Rows)
	for i := range out {
		out[i] = make([]float64, m.Cols)
		idx, vals := m.Row(i)
		for k, j := range idx {
			out[i][j] = vals[k]
		}
	}
	return out
}

// Column is the non-zero entries of one column, ordered by row.
type Column struct {
	Rows   []int
	Values []float64
}

// ColumnMajor returns every column's non-zero entries.
func (m *CSR) ColumnMajor() []Column {
	counts := make([]int, m.Cols)
	for _, j := range m.Indices {
		counts[j]++
	}
	cols := make([]Column, m.Cols)
	for j, n := range counts {
		cols[j] = Column{Rows: make([]int, 0, n), Values: make([]float64, 0, n)}
	}
	for i := 0; i < m.Rows; i++ {
		idx, vals := m.Row(i)
		for k, j := range idx {
			cols[j].Rows = append(cols[j].Rows, i)
			cols[j].Values = append(cols[j].Values, vals[k])
		}
	}
	return cols
}
