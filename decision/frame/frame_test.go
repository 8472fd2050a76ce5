package frame

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func sample(t *testing.T) *Frame {
	t.Helper()
	f := New()
	base := time.Date(2023, 1, 1, 8, 0, 0, 0, time.UTC)
	if err := f.AddFloats("PULocationID", []float64{74, 75, 41}); err != nil {
		t.Fatal(err)
	}
	if err := f.AddFloats("trip_distance", []float64{1.5, 2.25, math.NaN()}); err != nil {
		t.Fatal(err)
	}
	if err := f.AddTimes("pickup", []time.Time{base, base, base}); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestAddRejectsLengthMismatch(t *testing.T) {
	f := sample(t)
	if err := f.AddFloats("bad", []float64{1}); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestFilter(t *testing.T) {
	f := sample(t)
	out, err := f.Filter([]bool{true, false, true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 2 {
		t.Fatalf("Len = %d", out.Len())
	}
	ids, _ := out.Floats("PULocationID")
	if !reflect.DeepEqual(ids, []float64{74, 41}) {
		t.Errorf("ids = %v", ids)
	}
	// source untouched
	if f.Len() != 3 {
		t.Errorf("source Len = %d", f.Len())
	}
	if _, err := f.Filter([]bool{true}); err == nil {
		t.Error("expected mask length error")
	}
}

func TestCastString(t *testing.T) {
	f := sample(t)
	if err := f.CastString("PULocationID"); err != nil {
		t.Fatal(err)
	}
	ids, err := f.Strings("PULocationID")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"74", "75", "41"}) {
		t.Errorf("ids = %v", ids)
	}
	if err := f.CastString("trip_distance"); err != nil {
		t.Fatal(err)
	}
	d, _ := f.Strings("trip_distance")
	if !reflect.DeepEqual(d, []string{"1.5", "2.25", "nan"}) {
		t.Errorf("distances = %v", d)
	}
	if err := f.CastString("nope"); err == nil {
		t.Error("expected missing column error")
	}
}

func TestMissing(t *testing.T) {
	f := sample(t)
	got := f.Missing([]string{"a", "PULocationID", "b"})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Missing = %v", got)
	}
	if got := f.Missing([]string{"pickup"}); got != nil {
		t.Errorf("Missing = %v, want nil", got)
	}
}

func TestRecords(t *testing.T) {
	f := sample(t)
	_ = f.CastString("PULocationID")
	recs, err := f.Records([]string{"PULocationID", "trip_distance"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d", len(recs))
	}
	if recs[1]["PULocationID"] != "75" || recs[1]["trip_distance"] != 2.25 {
		t.Errorf("record = %v", recs[1])
	}
	if _, err := f.Records([]string{"x"}); err == nil {
		t.Error("expected error")
	}
}

func TestFormatFloat(t *testing.T) {
	tests := map[float64]string{
		1:    "1",
		265:  "265",
		-3:   "-3",
		0.5:  "0.5",
		1e-7: "1e-07",
	}
	for in, want := range tests {
		if got := FormatFloat(in); got != want {
			t.Errorf("FormatFloat(%v) = %q, want %q", in, got, want)
		}
	}
}
