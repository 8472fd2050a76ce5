package features

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"taxi-duration/decision/artifacts"
	"taxi-duration/decision/frame"
	"taxi-duration/decision/ingest"
	perrors "taxi-duration/pkg/errors"
	"taxi-duration/pkg/period"
)

func TestDictVectorizerFitTransform(t *testing.T) {
	records := []map[string]any{
		{"PU_DO": "74_130", "trip_distance": 2.5},
		{"PU_DO": "43_43", "trip_distance": 0.0},
		{"PU_DO": "74_130", "trip_distance": 1.0},
	}
	v := NewDictVectorizer()
	x, err := v.FitTransform(records)
	if err != nil {
		t.Fatal(err)
	}
	wantNames := []string{"PU_DO=43_43", "PU_DO=74_130", "trip_distance"}
	if !reflect.DeepEqual(v.FeatureNames, wantNames) {
		t.Errorf("FeatureNames = %v, want %v", v.FeatureNames, wantNames)
	}
	want := [][]float64{
		{0, 1, 2.5},
		{1, 0, 0},
		{0, 1, 1},
	}
	if got := x.Dense(); !reflect.DeepEqual(got, want) {
		t.Errorf("X = %v, want %v", got, want)
	}
}

func TestDictVectorizerIgnoresUnseen(t *testing.T) {
	v := NewDictVectorizer()
	if err := v.Fit([]map[string]any{{"PU_DO": "1_2", "trip_distance": 1.0}}); err != nil {
		t.Fatal(err)
	}
	x, err := v.Transform([]map[string]any{{"PU_DO": "9_9", "trip_distance": 3.0, "extra": 7.0}})
	if err != nil {
		t.Fatal(err)
	}
	if got := x.Dense(); !reflect.DeepEqual(got, [][]float64{{0, 3}}) {
		t.Errorf("X = %v", got)
	}
}

func TestDictVectorizerUnfitted(t *testing.T) {
	if _, err := NewDictVectorizer().Transform(nil); err == nil {
		t.Error("expected error from unfitted vectorizer")
	}
}

func TestDictVectorizerGobRoundTrip(t *testing.T) {
	v := NewDictVectorizer()
	if err := v.Fit([]map[string]any{{"PU_DO": "1_2", "trip_distance": 1.0}}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "preprocessor.b")
	if err := v.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadVectorizerFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, v) {
		t.Errorf("loaded %+v, want %+v", got, v)
	}
	if _, err := DecodeVectorizer(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Error("expected decode error")
	}
}

func loadResult(t *testing.T, keys []string, dist, dur []float64) *ingest.DataLoadResult {
	t.Helper()
	f := frame.New()
	for _, err := range []error{
		f.AddStrings(ingest.KeyColumn, keys),
		f.AddFloats("trip_distance", dist),
		f.AddFloats(ingest.DurationColumn, dur),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}
	p, _ := period.New(2023, 1)
	return &ingest.DataLoadResult{Frame: f, Period: p, NumRecords: f.Len()}
}

func TestEngineerSharesVectorizer(t *testing.T) {
	dir := t.TempDir()
	e := NewEngineer([]string{"trip_distance"}, artifacts.NewDirSink(dir, zerolog.Nop()), zerolog.Nop())

	train, err := e.Build(loadResult(t,
		[]string{"74_130", "43_43", "166_75"},
		[]float64{2.5, 0.8, 11.2},
		[]float64{15, 8.5, 40},
	), nil)
	if err != nil {
		t.Fatal(err)
	}
	val, err := e.Build(loadResult(t,
		[]string{"74_130", "1_1"},
		[]float64{3.1, 0.2},
		[]float64{18, 2},
	), train.Vectorizer)
	if err != nil {
		t.Fatal(err)
	}

	if val.Vectorizer != train.Vectorizer {
		t.Error("validation features must reuse the training vectorizer")
	}
	if val.NumFeatures != train.NumFeatures || val.X.Cols != train.X.Cols {
		t.Errorf("feature space mismatch: train %d, val %d", train.NumFeatures, val.NumFeatures)
	}
	if train.NumFeatures != 4 || train.NumSamples != 3 || val.NumSamples != 2 {
		t.Errorf("train=%d×%d val=%d", train.NumSamples, train.NumFeatures, val.NumSamples)
	}
	if !reflect.DeepEqual(val.Y, []float64{18, 2}) {
		t.Errorf("val Y = %v", val.Y)
	}

	if _, err := os.Stat(filepath.Join(dir, "yaml-feature-info-2023-01.json")); err != nil {
		t.Errorf("feature info artifact: %v", err)
	}
}

func TestEngineerMissingColumns(t *testing.T) {
	f := frame.New()
	if err := f.AddFloats(ingest.DurationColumn, []float64{1}); err != nil {
		t.Fatal(err)
	}
	p, _ := period.New(2023, 1)
	e := NewEngineer([]string{"trip_distance", "fare_amount"}, artifacts.Discard{}, zerolog.Nop())

	_, err := e.Build(&ingest.DataLoadResult{Frame: f, Period: p}, nil)
	var mc *perrors.MissingColumnsError
	if !errors.As(err, &mc) {
		t.Fatalf("err = %v, want MissingColumnsError", err)
	}
	if want := []string{"PU_DO", "trip_distance", "fare_amount"}; !reflect.DeepEqual(mc.Columns, want) {
		t.Errorf("missing = %v, want %v", mc.Columns, want)
	}
	if perrors.KindOf(err) != perrors.KindValidation {
		t.Errorf("kind = %v", perrors.KindOf(err))
	}
}
