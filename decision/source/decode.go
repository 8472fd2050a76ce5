package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/deprecated"

	"taxi-duration/decision/frame"
)

// Format is an encoded tabular format.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
)

// DetectFormat picks a format from a location's extension, ignoring any query string.
func DetectFormat(location string) (Format, error) {
	p := location
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".parquet", ".pq":
		return FormatParquet, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("cannot infer format of %q: expected .parquet or .csv", location)
	}
}

// Decode parses data in the given format into a frame.
func Decode(format Format, data []byte) (*frame.Frame, error) {
	switch format {
	case FormatParquet:
		return decodeParquet(data)
	case FormatCSV:
		return decodeCSV(data)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// =============================================================================
// PARQUET
// =============================================================================

type parquetColumn struct {
	name string
	kind frame.Kind
	unit time.Duration // timestamp resolution

	floats  []float64
	strings []string
	times   []time.Time
}

func columnFor(field parquet.Field) (*parquetColumn, error) {
	if !field.Leaf() {
		return nil, fmt.Errorf("parquet column %q is nested; only flat schemas are supported", field.Name())
	}
	col := &parquetColumn{name: field.Name()}
	typ := field.Type()

	if lt := typ.LogicalType(); lt != nil && lt.Timestamp != nil {
		col.kind = frame.Time
		switch {
		case lt.Timestamp.Unit.Millis != nil:
			col.unit = time.Millisecond
		case lt.Timestamp.Unit.Nanos != nil:
			col.unit = time.Nanosecond
		default:
			col.unit = time.Microsecond
		}
		return col, nil
	}
	if ct := typ.ConvertedType(); ct != nil {
		switch *ct {
		case deprecated.TimestampMillis:
			col.kind, col.unit = frame.Time, time.Millisecond
			return col, nil
		case deprecated.TimestampMicros:
			col.kind, col.unit = frame.Time, time.Microsecond
			return col, nil
		}
	}

	switch typ.Kind() {
	case parquet.Boolean, parquet.Int32, parquet.Int64, parquet.Float, parquet.Double:
		col.kind = frame.Float
	case parquet.ByteArray, parquet.FixedLenByteArray:
		col.kind = frame.String
	default:
		return nil, fmt.Errorf("parquet column %q has unsupported type %s", field.Name(), typ)
	}
	return col, nil
}

func (c *parquetColumn) append(v parquet.Value) {
	switch c.kind {
	case frame.Time:
		if v.IsNull() {
			c.times = append(c.times, time.Time{})
			return
		}
		c.times = append(c.times, time.Unix(0, v.Int64()*int64(c.unit)).UTC())
	case frame.String:
		if v.IsNull() {
			c.strings = append(c.strings, "")
			return
		}
		c.strings = append(c.strings, string(v.ByteArray()))
	default:
		if v.IsNull() {
			c.floats = append(c.floats, math.NaN())
			return
		}
		var f float64
		switch v.Kind() {
		case parquet.Boolean:
			if v.Boolean() {
				f = 1
			}
		case parquet.Int32:
			f = float64(v.Int32())
		case parquet.Int64:
			f = float64(v.Int64())
		case parquet.Float:
			f = float64(v.Float())
		default:
			f = v.Double()
		}
		c.floats = append(c.floats, f)
	}
}

func decodeParquet(data []byte) (*frame.Frame, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	fields := file.Schema().Fields()
	cols := make([]*parquetColumn, len(fields))
	for i, field := range fields {
		if cols[i], err = columnFor(field); err != nil {
			return nil, err
		}
	}

	reader := parquet.NewReader(file)
	defer reader.Close()

	buf := make([]parquet.Row, 512)
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			for _, v := range row {
				idx := v.Column()
				if idx >= 0 && idx < len(cols) {
					cols[idx].append(v)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}

	f := frame.New()
	for _, c := range cols {
		var addErr error
		switch c.kind {
		case frame.Time:
			addErr = f.AddTimes(c.name, c.times)
		case frame.String:
			addErr = f.AddStrings(c.name, c.strings)
		default:
			addErr = f.AddFloats(c.name, c.floats)
		}
		if addErr != nil {
			return nil, addErr
		}
	}
	return f, nil
}

// =============================================================================
// CSV
// =============================================================================

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"01/02/2006 03:04:05 PM",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// decodeCSV reads a headered CSV. Each column becomes float when every
// non-empty cell parses as a number, time when every non-empty cell parses
// as a timestamp, and string otherwise.
func decodeCSV(data []byte) (*frame.Frame, error) {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("read csv: missing header row")
	}
	header, rows := records[0], records[1:]

	f := frame.New()
	for j, name := range header {
		cells := make([]string, len(rows))
		for i, row := range rows {
			if j < len(row) {
				cells[i] = strings.TrimSpace(row[j])
			}
		}
		if err := addCSVColumn(f, strings.TrimSpace(name), cells); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func addCSVColumn(f *frame.Frame, name string, cells []string) error {
	floats := make([]float64, len(cells))
	isFloat := true
	for i, s := range cells {
		if s == "" {
			floats[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			isFloat = false
			break
		}
		floats[i] = v
	}
	if isFloat {
		return f.AddFloats(name, floats)
	}

	times := make([]time.Time, len(cells))
	isTime := true
	for i, s := range cells {
		if s == "" {
			continue
		}
		t, ok := parseTime(s)
		if !ok {
			isTime = false
			break
		}
		times[i] = t
	}
	if isTime {
		return f.AddTimes(name, times)
	}
	return f.AddStrings(name, cells)
}
