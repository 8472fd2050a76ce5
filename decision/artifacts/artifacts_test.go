package artifacts

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCount(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{68211, "68,211"},
		{1234567, "1,234,567"},
		{-4500, "-4,500"},
	}
	for _, tt := range tests {
		if got := Count(tt.n); got != tt.want {
			t.Errorf("Count(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFixed(t *testing.T) {
	tests := []struct {
		v      float64
		places int32
		want   string
	}{
		{6.125, 2, "6.13"},
		{5.43217, 4, "5.4322"},
		// ties round away from zero on the decimal value
		{2.5, 0, "3"},
		{-2.5, 0, "-3"},
		{0.125, 2, "0.13"},
		{2.675, 2, "2.68"},
		{math.NaN(), 2, "nan"},
		{math.Inf(1), 2, "nan"},
	}
	for _, tt := range tests {
		if got := Fixed(tt.v, tt.places); got != tt.want {
			t.Errorf("Fixed(%v, %d) = %q, want %q", tt.v, tt.places, got, tt.want)
		}
	}
	if got := Minutes(17.5); got != "17.50 min" {
		t.Errorf("Minutes = %q", got)
	}
}

func TestDirSinkTable(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirSink(dir, zerolog.Nop())
	sink.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	tbl := MetricTable("yaml-data-summary-2023-01", "Data summary for 2023-01").
		Add("Total Records", Count(1200)).
		Add("Period", "2023-01")
	if err := sink.Table(*tbl); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "yaml-data-summary-2023-01.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Key     string     `json:"key"`
		Table   [][]string `json:"table"`
		Version string     `json:"version"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Key != tbl.Key || got.Version != Version {
		t.Errorf("got key=%q version=%q", got.Key, got.Version)
	}
	if len(got.Table) != 3 || got.Table[1][1] != "1,200" {
		t.Errorf("table = %v", got.Table)
	}
}

func TestDirSinkMarkdownOverwrites(t *testing.T) {
	dir := t.TempDir()
	sink := NewDirSink(filepath.Join(dir, "nested"), zerolog.Nop())

	for _, body := range []string{"# first\n", "# second\n"} {
		if err := sink.Markdown(Markdown{Key: "yaml-training-summary", Body: body}); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "nested", "yaml-training-summary.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# second\n" {
		t.Errorf("body = %q", data)
	}
}

func TestDirSinkRejectsBadKey(t *testing.T) {
	sink := NewDirSink(t.TempDir(), zerolog.Nop())
	err := sink.Markdown(Markdown{Key: "../escape"})
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestRenderMarkdown(t *testing.T) {
	tbl := MetricTable("k", "").Add("RMSE", "5.4321")
	md := tbl.RenderMarkdown()
	if !strings.Contains(md, "| Metric | Value |\n| --- | --- |\n| RMSE | 5.4321 |") {
		t.Errorf("markdown = %q", md)
	}
	if v, ok := tbl.Value("RMSE"); !ok || v != "5.4321" {
		t.Errorf("Value(RMSE) = %q, %v", v, ok)
	}
}

func TestCatalog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")

	entries, err := List(dir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("List(missing) = %v, %v", entries, err)
	}

	sink := NewDirSink(dir, zerolog.Nop())
	if err := sink.Table(*MetricTable("yaml-feature-info-2023-01", "features").Add("Total Features", "450")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Markdown(Markdown{Key: "yaml-feature-info-2023-01", Body: "# notes\n"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err = List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Kind != KindMarkdown || entries[1].Kind != KindTable {
		t.Fatalf("entries = %+v", entries)
	}

	tbl, err := ReadTable(dir, "yaml-feature-info-2023-01")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := tbl.Value("Total Features"); v != "450" || tbl.Version != Version {
		t.Errorf("table = %+v", tbl)
	}
	md, err := ReadMarkdown(dir, "yaml-feature-info-2023-01")
	if err != nil || md.Body != "# notes\n" {
		t.Errorf("markdown = %+v, %v", md, err)
	}
	if _, err := ReadTable(dir, "absent"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadTable(absent) err = %v", err)
	}
}
