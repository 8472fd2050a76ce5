// Package clickhouse provides a ClickHouse-backed reader for trip records.
// The NYC taxi dataset is commonly loaded into ClickHouse; this store pulls
// one month of a trips table into a frame.
package clickhouse

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"taxi-duration/decision/frame"
)

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default development configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "default",
		Username: "default",
		Password: "",
		Debug:    false,
	}
}

// Store reads trip tables from ClickHouse
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore opens a ClickHouse connection
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// =============================================================================
// TRIP QUERIES
// =============================================================================

// MonthQuery selects the trips of one month from a table.
type MonthQuery struct {
	Table        string
	PickupColumn string
	Year         int
	Month        int
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// SQL renders the query and its arguments.
func (q MonthQuery) SQL() (string, []any, error) {
	if !identifier.MatchString(q.Table) {
		return "", nil, fmt.Errorf("invalid table name %q", q.Table)
	}
	if !identifier.MatchString(q.PickupColumn) {
		return "", nil, fmt.Errorf("invalid column name %q", q.PickupColumn)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE toYYYYMM(%s) = ?", q.Table, q.PickupColumn)
	return query, []any{uint32(q.Year*100 + q.Month)}, nil
}

// LoadMonth runs q and returns every selected column as a frame.
func (s *Store) LoadMonth(ctx context.Context, q MonthQuery) (*frame.Frame, error) {
	query, args, err := q.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()

	names := rows.Columns()
	types := rows.ColumnTypes()
	builders := make([]*columnBuilder, len(names))
	for i, name := range names {
		builders[i] = newColumnBuilder(name, types[i])
	}

	for rows.Next() {
		dest := make([]any, len(builders))
		for i, b := range builders {
			dest[i] = reflect.New(b.scanType).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan trip row: %w", err)
		}
		for i, b := range builders {
			b.append(reflect.ValueOf(dest[i]).Elem())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trips: %w", err)
	}

	f := frame.New()
	for _, b := range builders {
		if err := f.Add(b.column()); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

var timeType = reflect.TypeOf(time.Time{})

type columnBuilder struct {
	name     string
	scanType reflect.Type
	kind     frame.Kind

	floats  []float64
	strings []string
	times   []time.Time
}

func newColumnBuilder(name string, ct driver.ColumnType) *columnBuilder {
	b := &columnBuilder{name: name, scanType: ct.ScanType()}
	base := b.scanType
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	switch {
	case base == timeType:
		b.kind = frame.Time
	case base.Kind() == reflect.String:
		b.kind = frame.String
	default:
		b.kind = frame.Float
	}
	return b
}

func (b *columnBuilder) append(v reflect.Value) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			b.appendNull()
			return
		}
		v = v.Elem()
	}
	switch b.kind {
	case frame.Time:
		b.times = append(b.times, v.Interface().(time.Time).UTC())
	case frame.String:
		b.strings = append(b.strings, v.String())
	default:
		b.floats = append(b.floats, toFloat(v))
	}
}

func (b *columnBuilder) appendNull() {
	switch b.kind {
	case frame.Time:
		b.times = append(b.times, time.Time{})
	case frame.String:
		b.strings = append(b.strings, "")
	default:
		b.floats = append(b.floats, math.NaN())
	}
}

func (b *columnBuilder) column() *frame.Column {
	c := &frame.Column{Name: b.name, Kind: b.kind}
	switch b.kind {
	case frame.Time:
		c.Times = nonNil(b.times)
	case frame.String:
		c.Strings = nonNil(b.strings)
	default:
		c.Floats = nonNil(b.floats)
	}
	return c
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func toFloat(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}
