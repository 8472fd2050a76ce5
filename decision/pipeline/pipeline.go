// Package pipeline sequences one training run: load two consecutive months,
// vectorize them, train, gate and summarize.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"taxi-duration/decision/artifacts"
	"taxi-duration/decision/features"
	"taxi-duration/decision/ingest"
	"taxi-duration/decision/policy"
	"taxi-duration/decision/source"
	"taxi-duration/decision/tracking"
	"taxi-duration/decision/training"
	"taxi-duration/pkg/config"
	"taxi-duration/pkg/period"
)

// Options overrides the collaborators built from the configuration.
type Options struct {
	// ConfigPath is reported in the summary.
	ConfigPath string
	Source     source.Source
	Sink       artifacts.Sink
	// Opener replaces the default tracking backends.
	Opener tracking.Opener
	Logger zerolog.Logger
}

// Result is the outcome of a pipeline run.
type Result struct {
	Model          training.ModelResult
	Train          *ingest.DataLoadResult
	Val            *ingest.DataLoadResult
	Gate           *policy.EvaluationResult
	ArtifactErrors []error
	TrackingURI    string
	FellBack       bool
}

// Execute loads the configuration at configPath and runs the pipeline for
// year/month.
func Execute(ctx context.Context, configPath string, year, month int, opts Options) (*Result, error) {
	p, err := period.New(year, month)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = configPath
	}
	return Run(ctx, cfg, p, opts)
}

// Run trains on p and validates on the following month. Any stage error
// aborts the run.
func Run(ctx context.Context, cfg *config.PipelineConfig, p period.Period, opts Options) (*Result, error) {
	logger := opts.Logger
	if err := p.Validate(); err != nil {
		return nil, err
	}
	src := opts.Source
	if src == nil {
		src = source.NewRouter(cfg, logger)
	}
	sink := opts.Sink
	if sink == nil {
		sink = artifacts.NewDirSink(cfg.ArtifactsDir(), logger)
	}

	logger.Info().Str("period", p.Label()).Msg("Starting taxi duration pipeline")
	logger.Debug().Msg(cfg.Summary())

	var tracker *tracking.Tracker
	var err error
	if opts.Opener != nil {
		tracker, err = tracking.SetupWith(ctx, cfg.TrackingURI(), cfg.ExperimentName(), opts.Opener, logger)
	} else {
		tracker, err = tracking.Setup(ctx, cfg, logger)
	}
	if err != nil {
		return nil, err
	}
	defer tracker.Close()

	loader := ingest.NewLoader(cfg, src, sink, logger)
	valPeriod := p.Next()

	logger.Info().Str("period", p.Label()).Msg("Loading training data")
	trainData, err := loader.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("period", valPeriod.Label()).Msg("Loading validation data")
	valData, err := loader.Load(ctx, valPeriod)
	if err != nil {
		return nil, err
	}

	engineer := features.NewEngineer(cfg.NumericalFeatures(), sink, logger)
	logger.Info().Msg("Creating training features")
	trainFeatures, err := engineer.Build(trainData, nil)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("Creating validation features")
	valFeatures, err := engineer.Build(valData, trainFeatures.Vectorizer)
	if err != nil {
		return nil, err
	}

	trainer := training.NewTrainer(cfg, tracker, sink, logger)
	outcome, err := trainer.Train(ctx, fmt.Sprintf("taxi-yaml-%d-%d", p.Year, p.Month), trainFeatures, valFeatures)
	if err != nil {
		return nil, err
	}

	gate := policy.NewEngine(cfg.RMSELimit(), logger).Evaluate(policy.EvaluationRequest{
		RMSE:           outcome.Result.RMSE,
		BestIteration:  outcome.Result.BestIteration,
		NumBoostRounds: outcome.Result.NumBoostRounds,
		ValSamples:     valFeatures.NumSamples,
	})

	res := &Result{
		Model:          outcome.Result,
		Train:          trainData,
		Val:            valData,
		Gate:           gate,
		ArtifactErrors: outcome.ArtifactErrors,
		TrackingURI:    tracker.URI(),
		FellBack:       tracker.FellBack(),
	}
	md := artifacts.Markdown{
		Key:         "yaml-pipeline-summary",
		Description: "Complete pipeline execution summary",
		Body:        summary(cfg, opts.ConfigPath, tracker, res),
	}
	if err := sink.Markdown(md); err != nil {
		logger.Warn().Err(err).Str("key", md.Key).Msg("Failed to write pipeline summary artifact")
	}

	logger.Info().
		Str("rmse", artifacts.Fixed(res.Model.RMSE, 4)).
		Str("run_id", res.Model.RunID).
		Str("gate", string(gate.Decision)).
		Msg("Pipeline completed")
	return res, nil
}

func summary(cfg *config.PipelineConfig, configPath string, tracker *tracking.Tracker, res *Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# YAML-Config Pipeline Execution Complete\n\n")
	fmt.Fprintf(&sb, "## Data Summary\n")
	fmt.Fprintf(&sb, "| Period | Records | Avg Duration | Unique Locations |\n")
	fmt.Fprintf(&sb, "|--------|---------|--------------|------------------|\n")
	for _, row := range []struct {
		name string
		data *ingest.DataLoadResult
	}{{"Training", res.Train}, {"Validation", res.Val}} {
		fmt.Fprintf(&sb, "| **%s** (%s) | %s | %s | %s |\n",
			row.name, row.data.Period.Label(),
			artifacts.Count(row.data.NumRecords),
			artifacts.Minutes(row.data.AvgDuration),
			artifacts.Count(row.data.UniqueLocations))
	}

	fmt.Fprintf(&sb, "\n## Model Performance\n")
	fmt.Fprintf(&sb, "- **RMSE**: %s minutes\n", artifacts.Fixed(res.Model.RMSE, 4))
	fmt.Fprintf(&sb, "- **Best Iteration**: %d/%d\n\n", res.Model.BestIteration, res.Model.NumBoostRounds)

	fmt.Fprintf(&sb, "## Results\n")
	fmt.Fprintf(&sb, "- **MLflow Run ID**: `%s`\n", res.Model.RunID)
	fmt.Fprintf(&sb, "- **MLflow URI**: `%s`\n", res.TrackingURI)
	if res.FellBack {
		fmt.Fprintf(&sb, "- **Configured URI** (unreachable): `%s`\n", cfg.TrackingURI())
	}
	fmt.Fprintf(&sb, "- **Experiment**: `%s`\n\n", tracker.ExperimentName())

	fmt.Fprintf(&sb, "## Configuration\n")
	if configPath != "" {
		fmt.Fprintf(&sb, "- **Config File**: `%s`\n", configPath)
	}
	fmt.Fprintf(&sb, "- **Models Directory**: `%s/`\n", cfg.ModelsDir())
	fmt.Fprintf(&sb, "- **Preprocessor**: `%s`\n\n", cfg.PreprocessorFilename())

	fmt.Fprintf(&sb, "## Quality Gate: %s\n", res.Gate.Decision)
	for _, f := range res.Gate.Findings {
		fmt.Fprintf(&sb, "- [%s] %s\n", f.Severity, f.Message)
	}
	if len(res.Gate.Findings) == 0 {
		fmt.Fprintf(&sb, "- All checks passed\n")
	}

	fmt.Fprintf(&sb, "\n## Next Steps\n")
	fmt.Fprintf(&sb, "1. Review model performance in the tracking UI\n")
	fmt.Fprintf(&sb, "2. Compare with previous runs\n")
	if res.Gate.Decision == policy.DecisionPass {
		fmt.Fprintf(&sb, "3. Consider model deployment (RMSE < %s minutes)\n", artifacts.Fixed(cfg.RMSELimit(), 1))
	} else {
		fmt.Fprintf(&sb, "3. Address the quality gate findings before deployment\n")
	}
	return sb.String()
}
