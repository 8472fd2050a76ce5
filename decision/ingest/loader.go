// Package ingest loads one month of trip records and prepares them for
// feature engineering.
package ingest

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"taxi-duration/decision/artifacts"
	"taxi-duration/decision/frame"
	"taxi-duration/decision/source"
	"taxi-duration/pkg/config"
	perrors "taxi-duration/pkg/errors"
	"taxi-duration/pkg/period"
)

const (
	// DurationColumn holds the trip duration in minutes.
	DurationColumn = "duration"
	// KeyColumn holds the pickup/dropoff location pair.
	KeyColumn = "PU_DO"

	PickupLocation  = "PULocationID"
	DropoffLocation = "DOLocationID"
)

// DataLoadResult is one prepared month of trips.
type DataLoadResult struct {
	Frame           *frame.Frame
	Period          period.Period
	NumRecords      int
	AvgDuration     float64
	UniqueLocations int
}

// Options controls how raw trips are prepared.
type Options struct {
	PickupColumn  string
	DropoffColumn string
	MinDuration   float64
	MaxDuration   float64
	Categorical   []string
}

// OptionsFromConfig reads the preparation options from the pipeline config.
func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	return Options{
		PickupColumn:  cfg.PickupColumn(),
		DropoffColumn: cfg.DropoffColumn(),
		MinDuration:   cfg.MinDuration(),
		MaxDuration:   cfg.MaxDuration(),
		Categorical:   cfg.CategoricalFeatures(),
	}
}

// Loader resolves a month to a location, fetches it and prepares the trips.
type Loader struct {
	pattern string
	opts    Options
	source  source.Source
	sink    artifacts.Sink
	logger  zerolog.Logger
}

func NewLoader(cfg *config.PipelineConfig, src source.Source, sink artifacts.Sink, logger zerolog.Logger) *Loader {
	return &Loader{
		pattern: cfg.DataURLPattern(),
		opts:    OptionsFromConfig(cfg),
		source:  src,
		sink:    sink,
		logger:  logger,
	}
}

// Location returns the resolved data location for p.
func (l *Loader) Location(p period.Period) string {
	return p.Expand(l.pattern)
}

// Load fetches and prepares the trips of p. Fetch and decode failures are
// fatal; a failed summary artifact is only logged.
func (l *Loader) Load(ctx context.Context, p period.Period) (*DataLoadResult, error) {
	if err := p.Validate(); err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, "load", err)
	}
	location := l.Location(p)
	l.logger.Info().Str("period", p.Label()).Str("location", location).Msg("Loading trip data")

	raw, err := l.source.Load(ctx, location)
	if err != nil {
		l.logger.Error().Err(err).Str("location", location).Msg("Failed to load trip data")
		return nil, perrors.New(perrors.KindDataSource, "load", "fetch "+location, err)
	}
	l.logger.Info().Int("records", raw.Len()).Msg("Loaded raw records")

	prepared, err := Prepare(raw, l.opts)
	if err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, "load", err)
	}
	l.logger.Info().
		Int("records", prepared.Len()).
		Float64("min_duration", l.opts.MinDuration).
		Float64("max_duration", l.opts.MaxDuration).
		Msg("Filtered records by duration")

	result, stats, err := summarize(prepared, p)
	if err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, "load", err)
	}

	table := artifacts.MetricTable(
		"yaml-data-summary-"+p.Label(),
		"Data summary for "+p.Label(),
	).
		Add("Total Records", artifacts.Count(result.NumRecords)).
		Add("Average Duration", artifacts.Minutes(result.AvgDuration)).
		Add("Min Duration", artifacts.Minutes(stats.min)).
		Add("Max Duration", artifacts.Minutes(stats.max)).
		Add("Unique PU_DO", artifacts.Count(result.UniqueLocations)).
		Add("Period", p.Label()).
		Add("Version", artifacts.Version)
	if err := l.sink.Table(*table); err != nil {
		l.logger.Warn().Err(err).Str("key", table.Key).Msg("Failed to write data summary artifact")
	}
	return result, nil
}

// =============================================================================
// PREPARATION
// =============================================================================

// Prepare derives the duration column, keeps trips within
// [MinDuration, MaxDuration] inclusive, casts the categorical columns to
// strings and adds the PU_DO key. raw is not modified.
func Prepare(raw *frame.Frame, opts Options) (*frame.Frame, error) {
	required := []string{opts.PickupColumn, opts.DropoffColumn}
	required = append(required, opts.Categorical...)
	required = appendMissing(required, PickupLocation, DropoffLocation)
	if missing := raw.Missing(required); len(missing) > 0 {
		return nil, &perrors.MissingColumnsError{Columns: missing}
	}

	durations, err := Durations(raw, opts.PickupColumn, opts.DropoffColumn)
	if err != nil {
		return nil, err
	}
	keep := make([]bool, len(durations))
	for i, d := range durations {
		keep[i] = d >= opts.MinDuration && d <= opts.MaxDuration
	}

	out, err := raw.Filter(keep)
	if err != nil {
		return nil, err
	}
	kept := make([]float64, 0, out.Len())
	for i, d := range durations {
		if keep[i] {
			kept = append(kept, d)
		}
	}
	if out.Has(DurationColumn) {
		c, _ := out.Column(DurationColumn)
		c.Kind, c.Floats, c.Strings, c.Times = frame.Float, kept, nil, nil
	} else if err := out.AddFloats(DurationColumn, kept); err != nil {
		return nil, err
	}

	for _, name := range appendMissing(opts.Categorical, PickupLocation, DropoffLocation) {
		if err := out.CastString(name); err != nil {
			return nil, err
		}
	}
	if err := AddKey(out); err != nil {
		return nil, err
	}
	return out, nil
}

// FilterDuration keeps rows whose duration column lies in [min, max].
func FilterDuration(f *frame.Frame, min, max float64) (*frame.Frame, error) {
	durations, err := f.Floats(DurationColumn)
	if err != nil {
		return nil, err
	}
	keep := make([]bool, len(durations))
	for i, d := range durations {
		keep[i] = d >= min && d <= max
	}
	return f.Filter(keep)
}

// Durations returns dropoff minus pickup in minutes. Rows with a missing
// timestamp yield NaN.
func Durations(f *frame.Frame, pickupCol, dropoffCol string) ([]float64, error) {
	pickup, err := f.Times(pickupCol)
	if err != nil {
		return nil, err
	}
	dropoff, err := f.Times(dropoffCol)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(pickup))
	for i := range pickup {
		if pickup[i].IsZero() || dropoff[i].IsZero() {
			out[i] = math.NaN()
			continue
		}
		out[i] = dropoff[i].Sub(pickup[i]).Minutes()
	}
	return out, nil
}

// AddKey sets PU_DO to PULocationID + "_" + DOLocationID. Both columns must
// already be strings.
func AddKey(f *frame.Frame) error {
	pu, err := f.Strings(PickupLocation)
	if err != nil {
		return err
	}
	do, err := f.Strings(DropoffLocation)
	if err != nil {
		return err
	}
	keys := make([]string, len(pu))
	for i := range pu {
		keys[i] = pu[i] + "_" + do[i]
	}
	if c, ok := f.Column(KeyColumn); ok {
		c.Kind, c.Strings, c.Floats, c.Times = frame.String, keys, nil, nil
		return nil
	}
	return f.AddStrings(KeyColumn, keys)
}

func appendMissing(list []string, names ...string) []string {
	out := append([]string(nil), list...)
	for _, n := range names {
		found := false
		for _, have := range out {
			if have == n {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	return out
}

type durationStats struct {
	min, max float64
}

func summarize(f *frame.Frame, p period.Period) (*DataLoadResult, durationStats, error) {
	var stats durationStats
	durations, err := f.Floats(DurationColumn)
	if err != nil {
		return nil, stats, err
	}
	keys, err := f.Strings(KeyColumn)
	if err != nil {
		return nil, stats, err
	}

	res := &DataLoadResult{Frame: f, Period: p, NumRecords: f.Len()}
	if len(durations) == 0 {
		res.AvgDuration = math.NaN()
		stats.min, stats.max = math.NaN(), math.NaN()
		return res, stats, nil
	}

	stats.min, stats.max = math.Inf(1), math.Inf(-1)
	sum := 0.0
	for _, d := range durations {
		sum += d
		stats.min = math.Min(stats.min, d)
		stats.max = math.Max(stats.max, d)
	}
	res.AvgDuration = sum / float64(len(durations))

	unique := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		unique[k] = struct{}{}
	}
	res.UniqueLocations = len(unique)
	return res, stats, nil
}

// String renders a one-line description for logs.
func (r *DataLoadResult) String() string {
	return fmt.Sprintf("%s: %d records, avg %.2f min, %d locations",
		r.Period.Label(), r.NumRecords, r.AvgDuration, r.UniqueLocations)
}
