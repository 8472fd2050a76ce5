// Package features builds the model matrices from prepared trip records.
package features

import (
	"fmt"

	"github.com/rs/zerolog"

	"taxi-duration/decision/artifacts"
	"taxi-duration/decision/ingest"
	perrors "taxi-duration/pkg/errors"
	"taxi-duration/pkg/sparse"
)

// FeatureResult is a design matrix, its targets and the vectorizer that
// produced it.
type FeatureResult struct {
	X           *sparse.CSR
	Y           []float64
	Vectorizer  *DictVectorizer
	NumFeatures int
	NumSamples  int
}

// Engineer selects the feature columns and vectorizes them.
type Engineer struct {
	numerical []string
	sink      artifacts.Sink
	logger    zerolog.Logger
}

func NewEngineer(numerical []string, sink artifacts.Sink, logger zerolog.Logger) *Engineer {
	return &Engineer{
		numerical: append([]string(nil), numerical...),
		sink:      sink,
		logger:    logger,
	}
}

// Columns returns the feature columns: the location pair key followed by
// the numerical features.
func (e *Engineer) Columns() []string {
	return append([]string{ingest.KeyColumn}, e.numerical...)
}

// Build vectorizes data. With a nil vec a new vectorizer is fitted and a
// feature summary artifact is written; otherwise vec only transforms, so
// the result shares vec's feature space.
func (e *Engineer) Build(data *ingest.DataLoadResult, vec *DictVectorizer) (*FeatureResult, error) {
	cols := e.Columns()
	if missing := data.Frame.Missing(cols); len(missing) > 0 {
		e.logger.Error().Strs("missing", missing).Msg("Feature columns missing")
		return nil, perrors.New(perrors.KindValidation, "features", "", &perrors.MissingColumnsError{Columns: missing})
	}
	y, err := data.Frame.Floats(ingest.DurationColumn)
	if err != nil {
		return nil, perrors.New(perrors.KindValidation, "features", "target", err)
	}

	records, err := data.Frame.Records(cols)
	if err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, "features", err)
	}
	e.logger.Info().Int("records", len(records)).Msg("Created feature dictionaries")

	fit := vec == nil
	var x *sparse.CSR
	if fit {
		vec = NewDictVectorizer()
		x, err = vec.FitTransform(records)
	} else {
		x, err = vec.Transform(records)
	}
	if err != nil {
		return nil, perrors.Wrap(perrors.KindValidation, "features", err)
	}

	res := &FeatureResult{
		X:           x,
		Y:           append([]float64(nil), y...),
		Vectorizer:  vec,
		NumFeatures: x.Cols,
		NumSamples:  x.Rows,
	}

	if !fit {
		e.logger.Info().Int("features", res.NumFeatures).Msg("Transformed features")
		return res, nil
	}
	e.logger.Info().Int("features", res.NumFeatures).Msg("Fitted DictVectorizer")

	label := data.Period.Label()
	table := artifacts.MetricTable("yaml-feature-info-"+label, "Features for "+label).
		Add("Total Features", artifacts.Count(res.NumFeatures)).
		Add("Categorical Features", fmt.Sprint(1)).
		Add("Numerical Features", fmt.Sprint(len(e.numerical))).
		Add("Samples", artifacts.Count(res.NumSamples)).
		Add("Sparsity", artifacts.Fixed(x.Sparsity()*100, 2)+"%").
		Add("Version", artifacts.Version)
	if err := e.sink.Table(*table); err != nil {
		e.logger.Warn().Err(err).Str("key", table.Key).Msg("Failed to write feature info artifact")
	}
	return res, nil
}
