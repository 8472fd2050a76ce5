// Package artifacts records the human-readable run artifacts: small keyed
// tables and markdown documents written alongside the tracking store.
package artifacts

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Version tags every artifact with the pipeline flavour.
const Version = "YAML Config"

// Table is a keyed two-dimensional artifact. The first row is the header.
type Table struct {
	Key         string     `json:"key"`
	Description string     `json:"description"`
	Rows        [][]string `json:"table"`
}

// Markdown is a keyed markdown document.
type Markdown struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Body        string `json:"markdown"`
}

// Sink receives artifacts.
type Sink interface {
	Table(t Table) error
	Markdown(m Markdown) error
}

// MetricTable starts a two-column Metric/Value table.
func MetricTable(key, description string) *Table {
	return &Table{
		Key:         key,
		Description: description,
		Rows:        [][]string{{"Metric", "Value"}},
	}
}

// Add appends a metric row.
func (t *Table) Add(metric, value string) *Table {
	t.Rows = append(t.Rows, []string{metric, value})
	return t
}

// Value returns the value of the first row named metric.
func (t *Table) Value(metric string) (string, bool) {
	for _, row := range t.Rows[1:] {
		if len(row) > 1 && row[0] == metric {
			return row[1], true
		}
	}
	return "", false
}

// RenderMarkdown renders the table as a markdown pipe table.
func (t *Table) RenderMarkdown() string {
	if len(t.Rows) == 0 {
		return ""
	}
	var sb strings.Builder
	writeRow := func(cells []string) {
		sb.WriteString("| ")
		sb.WriteString(strings.Join(cells, " | "))
		sb.WriteString(" |\n")
	}
	writeRow(t.Rows[0])
	sep := make([]string, len(t.Rows[0]))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range t.Rows[1:] {
		writeRow(row)
	}
	return sb.String()
}

// =============================================================================
// DIRECTORY SINK
// =============================================================================

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// DirSink writes each artifact to <Dir>/<key>.json or <Dir>/<key>.md,
// replacing an earlier artifact with the same key.
type DirSink struct {
	Dir    string
	Logger zerolog.Logger

	now func() time.Time
}

func NewDirSink(dir string, logger zerolog.Logger) *DirSink {
	return &DirSink{Dir: dir, Logger: logger, now: time.Now}
}

// StoredTable is the on-disk form of a Table.
type StoredTable struct {
	Table
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *DirSink) Table(t Table) error {
	if err := validKey(t.Key); err != nil {
		return err
	}
	data, err := json.MarshalIndent(StoredTable{Table: t, Version: Version, CreatedAt: s.timestamp()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode table artifact %s: %w", t.Key, err)
	}
	path, err := s.write(t.Key+".json", data)
	if err != nil {
		return err
	}
	s.Logger.Info().Str("key", t.Key).Str("path", path).Int("rows", len(t.Rows)-1).Msg("Table artifact written")
	return nil
}

func (s *DirSink) Markdown(m Markdown) error {
	if err := validKey(m.Key); err != nil {
		return err
	}
	path, err := s.write(m.Key+".md", []byte(m.Body))
	if err != nil {
		return err
	}
	s.Logger.Info().Str("key", m.Key).Str("path", path).Msg("Markdown artifact written")
	return nil
}

func (s *DirSink) write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(s.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return path, nil
}

func (s *DirSink) timestamp() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// Discard drops every artifact.
type Discard struct{}

func (Discard) Table(Table) error       { return nil }
func (Discard) Markdown(Markdown) error { return nil }

// =============================================================================
// FORMATTING
// =============================================================================

// Fixed renders v rounded half away from zero to the given places.
// Rounding works on the shortest decimal form of v, so ties written in a
// report (2.675) round up even where fmt's binary rounding gives 2.67.
// This is the intended rounding for every reported metric.
// NaN and infinities render as "nan".
func Fixed(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "nan"
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}

// Count renders n with thousands separators.
func Count(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Minutes renders a duration in minutes with two decimals.
func Minutes(v float64) string {
	return Fixed(v, 2) + " min"
}
