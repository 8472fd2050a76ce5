package sparse

import (
	"reflect"
	"testing"
)

func buildTest(t *testing.T) *CSR {
	t.Helper()
	b := NewBuilder(4)
	rows := []struct {
		cols []int
		vals []float64
	}{
		{[]int{3, 0}, []float64{2, 1}},
		{nil, nil},
		{[]int{1, 1, 2}, []float64{1, 1, 0}},
	}
	for _, r := range rows {
		if err := b.AddRow(r.cols, r.vals); err != nil {
			t.Fatal(err)
		}
	}
	return b.Build()
}

func TestBuilder(t *testing.T) {
	m := buildTest(t)
	want := [][]float64{
		{1, 0, 0, 2},
		{0, 0, 0, 0},
		{0, 2, 0, 0},
	}
	if got := m.Dense(); !reflect.DeepEqual(got, want) {
		t.Errorf("Dense = %v, want %v", got, want)
	}
	if m.NNZ() != 3 {
		t.Errorf("NNZ = %d, want 3", m.NNZ())
	}
	if m.At(0, 3) != 2 || m.At(1, 2) != 0 {
		t.Error("At returned wrong values")
	}
	if got := m.Sparsity(); got != 0.75 {
		t.Errorf("Sparsity = %v, want 0.75", got)
	}
}

func TestAddRowOutOfRange(t *testing.T) {
	b := NewBuilder(2)
	if err := b.AddRow([]int{2}, []float64{1}); err == nil {
		t.Error("expected out-of-range error")
	}
	if err := b.AddRow([]int{0}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestColumnMajor(t *testing.T) {
	cols := buildTest(t).ColumnMajor()
	if len(cols) != 4 {
		t.Fatalf("columns = %d", len(cols))
	}
	if !reflect.DeepEqual(cols[1].Rows, []int{2}) || cols[1].Values[0] != 2 {
		t.Errorf("col 1 = %+v", cols[1])
	}
	if len(cols[2].Rows) != 0 {
		t.Errorf("col 2 should be empty, got %+v", cols[2])
	}
}
