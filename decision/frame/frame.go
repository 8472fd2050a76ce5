// Package frame provides a small column-oriented table for trip records.
package frame

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind is the physical type of a column.
type Kind int

const (
	Float Kind = iota
	String
	Time
)

func (k Kind) String() string {
	switch k {
	case Float:
		return "float"
	case String:
		return "string"
	case Time:
		return "time"
	default:
		return "unknown"
	}
}

// Column holds the values of one named column. Exactly one of the value
// slices is populated, selected by Kind. Missing floats are NaN.
type Column struct {
	Name    string
	Kind    Kind
	Floats  []float64
	Strings []string
	Times   []time.Time
}

// Len returns the number of values.
func (c *Column) Len() int {
	switch c.Kind {
	case Float:
		return len(c.Floats)
	case String:
		return len(c.Strings)
	default:
		return len(c.Times)
	}
}

// Value returns row i as float64, string or time.Time.
func (c *Column) Value(i int) any {
	switch c.Kind {
	case Float:
		return c.Floats[i]
	case String:
		return c.Strings[i]
	default:
		return c.Times[i]
	}
}

// Frame is an ordered set of equal-length columns.
type Frame struct {
	columns []*Column
	index   map[string]int
	rows    int
}

// New returns an empty frame.
func New() *Frame {
	return &Frame{index: make(map[string]int)}
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.rows }

// Names returns the column names in insertion order.
func (f *Frame) Names() []string {
	names := make([]string, len(f.columns))
	for i, c := range f.columns {
		names[i] = c.Name
	}
	return names
}

// Has reports whether the frame contains a column.
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Column returns the named column.
func (f *Frame) Column(name string) (*Column, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.columns[i], true
}

// Missing returns the names from want that are not present, in order.
func (f *Frame) Missing(want []string) []string {
	var missing []string
	for _, name := range want {
		if !f.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Add inserts or replaces a column. The first column fixes the row count.
func (f *Frame) Add(c *Column) error {
	if len(f.columns) > 0 && c.Len() != f.rows {
		return fmt.Errorf("column %q has %d rows, frame has %d", c.Name, c.Len(), f.rows)
	}
	if len(f.columns) == 0 {
		f.rows = c.Len()
	}
	if i, ok := f.index[c.Name]; ok {
		f.columns[i] = c
		return nil
	}
	f.index[c.Name] = len(f.columns)
	f.columns = append(f.columns, c)
	return nil
}

func (f *Frame) AddFloats(name string, vals []float64) error {
	return f.Add(&Column{Name: name, Kind: Float, Floats: vals})
}

func (f *Frame) AddStrings(name string, vals []string) error {
	return f.Add(&Column{Name: name, Kind: String, Strings: vals})
}

func (f *Frame) AddTimes(name string, vals []time.Time) error {
	return f.Add(&Column{Name: name, Kind: Time, Times: vals})
}

// Floats returns a float column's values.
func (f *Frame) Floats(name string) ([]float64, error) {
	c, ok := f.Column(name)
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	if c.Kind != Float {
		return nil, fmt.Errorf("column %q is %s, want float", name, c.Kind)
	}
	return c.Floats, nil
}

// Strings returns a string column's values.
func (f *Frame) Strings(name string) ([]string, error) {
	c, ok := f.Column(name)
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	if c.Kind != String {
		return nil, fmt.Errorf("column %q is %s, want string", name, c.Kind)
	}
	return c.Strings, nil
}

// Times returns a time column's values.
func (f *Frame) Times(name string) ([]time.Time, error) {
	c, ok := f.Column(name)
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	if c.Kind != Time {
		return nil, fmt.Errorf("column %q is %s, want time", name, c.Kind)
	}
	return c.Times, nil
}

// Filter returns a new frame holding the rows where keep is true.
func (f *Frame) Filter(keep []bool) (*Frame, error) {
	if len(keep) != f.rows {
		return nil, fmt.Errorf("filter mask has %d entries, frame has %d rows", len(keep), f.rows)
	}
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}

	out := New()
	out.rows = n
	for _, c := range f.columns {
		nc := &Column{Name: c.Name, Kind: c.Kind}
		switch c.Kind {
		case Float:
			nc.Floats = make([]float64, 0, n)
			for i, k := range keep {
				if k {
					nc.Floats = append(nc.Floats, c.Floats[i])
				}
			}
		case String:
			nc.Strings = make([]string, 0, n)
			for i, k := range keep {
				if k {
					nc.Strings = append(nc.Strings, c.Strings[i])
				}
			}
		case Time:
			nc.Times = make([]time.Time, 0, n)
			for i, k := range keep {
				if k {
					nc.Times = append(nc.Times, c.Times[i])
				}
			}
		}
		out.index[nc.Name] = len(out.columns)
		out.columns = append(out.columns, nc)
	}
	return out, nil
}

// CastString converts a column to strings in place. Integral floats render
// without a fractional part ("74", not "74.0"); NaN renders as "nan".
func (f *Frame) CastString(name string) error {
	c, ok := f.Column(name)
	if !ok {
		return fmt.Errorf("column %q not found", name)
	}
	switch c.Kind {
	case String:
		return nil
	case Float:
		strs := make([]string, len(c.Floats))
		for i, v := range c.Floats {
			strs[i] = FormatFloat(v)
		}
		c.Strings, c.Floats, c.Kind = strs, nil, String
	case Time:
		strs := make([]string, len(c.Times))
		for i, v := range c.Times {
			strs[i] = v.Format("2006-01-02 15:04:05")
		}
		c.Strings, c.Times, c.Kind = strs, nil, String
	}
	return nil
}

// FormatFloat renders v the way a categorical id is expected to read.
func FormatFloat(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Records returns one map per row restricted to cols. String columns yield
// string values, float columns float64, time columns time.Time.
func (f *Frame) Records(cols []string) ([]map[string]any, error) {
	selected := make([]*Column, len(cols))
	for i, name := range cols {
		c, ok := f.Column(name)
		if !ok {
			return nil, fmt.Errorf("column %q not found", name)
		}
		selected[i] = c
	}
	out := make([]map[string]any, f.rows)
	for r := 0; r < f.rows; r++ {
		rec := make(map[string]any, len(selected))
		for _, c := range selected {
			rec[c.Name] = c.Value(r)
		}
		out[r] = rec
	}
	return out, nil
}
