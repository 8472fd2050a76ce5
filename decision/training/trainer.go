// Package training fits the duration model and records it in the tracking
// store.
package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"taxi-duration/decision/artifacts"
	"taxi-duration/decision/boost"
	"taxi-duration/decision/features"
	"taxi-duration/decision/tracking"
	"taxi-duration/pkg/config"
	perrors "taxi-duration/pkg/errors"
)

// PipelineVersion is logged as the pipeline_version param.
const PipelineVersion = "yaml-config"

// ModelFilename is the booster file written next to the preprocessor.
const ModelFilename = "model.json"

// ModelResult summarizes a training run.
type ModelResult struct {
	RunID          string
	RMSE           float64
	NumBoostRounds int
	BestIteration  int
}

// Outcome is a ModelResult plus the artifacts that failed to upload.
// Upload failures never fail training.
type Outcome struct {
	Result           ModelResult
	ArtifactErrors   []error
	Booster          *boost.Booster
	PreprocessorPath string
	ModelPath        string
}

// Trainer fits boosters inside tracked runs.
type Trainer struct {
	cfg     *config.PipelineConfig
	tracker *tracking.Tracker
	sink    artifacts.Sink
	logger  zerolog.Logger
}

func NewTrainer(cfg *config.PipelineConfig, tracker *tracking.Tracker, sink artifacts.Sink, logger zerolog.Logger) *Trainer {
	return &Trainer{cfg: cfg, tracker: tracker, sink: sink, logger: logger}
}

// Train fits a booster on train, early-stopping on val, inside one run. The
// run ends FINISHED when Train returns a nil error and FAILED otherwise.
func (t *Trainer) Train(ctx context.Context, runName string, train, val *features.FeatureResult) (out *Outcome, err error) {
	params, unknown, err := boost.ParseParams(t.cfg.ModelParamMap())
	if err != nil {
		return nil, perrors.New(perrors.KindConfig, "train", "model.params", err)
	}
	if len(unknown) > 0 {
		t.logger.Warn().Strs("params", unknown).Msg("Ignoring unsupported model params")
	}

	modelsDir := t.cfg.ModelsDir()
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, perrors.New(perrors.KindArtifact, "train", "create models dir", err)
	}
	t.logger.Info().
		Int("samples", train.NumSamples).
		Int("features", train.NumFeatures).
		Msg("Training model")

	run, err := t.tracker.StartRun(ctx, runName)
	if err != nil {
		return nil, err
	}
	defer func() {
		status := tracking.RunStatusFinished
		if err != nil {
			status = tracking.RunStatusFailed
		}
		if endErr := run.End(context.WithoutCancel(ctx), status); endErr != nil {
			t.logger.Error().Err(endErr).Str("run_id", run.ID).Msg("Failed to end run")
			if err == nil {
				out, err = nil, endErr
			}
		}
	}()

	if err := t.logParams(ctx, run); err != nil {
		return nil, err
	}

	dtrain, err := boost.NewDMatrix(train.X, train.Y)
	if err != nil {
		return nil, perrors.New(perrors.KindValidation, "train", "training matrix", err)
	}
	dvalid, err := boost.NewDMatrix(val.X, val.Y)
	if err != nil {
		return nil, perrors.New(perrors.KindValidation, "train", "validation matrix", err)
	}

	t.logger.Info().Int("num_boost_round", t.cfg.NumBoostRound()).Msg("Starting training")
	booster, err := boost.Train(params, dtrain, t.cfg.NumBoostRound(), boost.TrainOptions{
		Valid:               dvalid,
		EarlyStoppingRounds: t.cfg.EarlyStoppingRounds(),
		Logger:              t.logger,
	})
	if err != nil {
		return nil, perrors.New(perrors.KindValidation, "train", "boosting", err)
	}

	rmse := boost.RMSE(val.Y, booster.Predict(val.X))
	for _, m := range []struct {
		key   string
		value float64
	}{
		{"rmse", rmse},
		{"train_samples", float64(train.NumSamples)},
		{"val_samples", float64(val.NumSamples)},
		{"num_features", float64(train.NumFeatures)},
	} {
		if err := run.LogMetric(ctx, m.key, m.value); err != nil {
			return nil, err
		}
	}
	t.logger.Info().Str("rmse", artifacts.Fixed(rmse, 4)).Int("best_iteration", booster.BestIteration).Msg("Model evaluated")

	out = &Outcome{
		Result: ModelResult{
			RunID:          run.ID,
			RMSE:           rmse,
			NumBoostRounds: t.cfg.NumBoostRound(),
			BestIteration:  booster.BestIteration,
		},
		Booster:          booster,
		PreprocessorPath: filepath.Join(modelsDir, t.cfg.PreprocessorFilename()),
		ModelPath:        filepath.Join(modelsDir, ModelFilename),
	}

	if err := train.Vectorizer.SaveFile(out.PreprocessorPath); err != nil {
		return nil, perrors.New(perrors.KindArtifact, "train", "save preprocessor", err)
	}
	if err := booster.SaveJSON(out.ModelPath); err != nil {
		return nil, perrors.New(perrors.KindArtifact, "train", "save model", err)
	}

	for _, a := range []struct{ local, dest string }{
		{out.PreprocessorPath, "preprocessor"},
		{out.ModelPath, "models_mlflow"},
	} {
		if err := run.LogArtifact(ctx, a.local, a.dest); err != nil {
			t.logger.Warn().Err(err).Str("artifact", a.local).Msg("Failed to log artifact to tracking store")
			out.ArtifactErrors = append(out.ArtifactErrors, err)
		}
	}
	if len(out.ArtifactErrors) == 0 {
		t.logger.Info().Msg("Logged model and preprocessor to tracking store")
	}

	t.writeReports(out, params, train, val)
	return out, nil
}

func (t *Trainer) logParams(ctx context.Context, run *tracking.Run) error {
	if err := run.LogParams(ctx, t.cfg.ModelParams()); err != nil {
		return err
	}
	return run.LogParams(ctx, []config.Param{
		{Key: "num_boost_round", Value: strconv.Itoa(t.cfg.NumBoostRound())},
		{Key: "early_stopping_rounds", Value: strconv.Itoa(t.cfg.EarlyStoppingRounds())},
		{Key: "pipeline_version", Value: PipelineVersion},
	})
}

// paramValue renders a model param as configured, or its effective value.
func (t *Trainer) paramValue(key string, effective any) string {
	if v, ok := t.cfg.ModelParam(key); ok {
		return v
	}
	return fmt.Sprint(effective)
}

func (t *Trainer) writeReports(out *Outcome, p boost.Params, train, val *features.FeatureResult) {
	res := out.Result
	shortID := res.RunID
	if len(shortID) > 8 {
		shortID = shortID[:8] + "..."
	}

	table := artifacts.MetricTable("yaml-model-performance", "Model performance - RMSE: "+artifacts.Fixed(res.RMSE, 4)).
		Add("RMSE", artifacts.Fixed(res.RMSE, 4)).
		Add("Best Iteration", strconv.Itoa(res.BestIteration)).
		Add("Train Samples", artifacts.Count(train.NumSamples)).
		Add("Val Samples", artifacts.Count(val.NumSamples)).
		Add("Features", artifacts.Count(train.NumFeatures)).
		Add("Learning Rate", t.paramValue("learning_rate", p.Eta)).
		Add("Max Depth", t.paramValue("max_depth", p.MaxDepth)).
		Add("MLflow Run ID", shortID).
		Add("Version", artifacts.Version)
	if err := t.sink.Table(*table); err != nil {
		t.logger.Warn().Err(err).Str("key", table.Key).Msg("Failed to write performance artifact")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Model Training Summary (YAML Config Version)\n\n")
	fmt.Fprintf(&sb, "## Performance Metrics\n")
	fmt.Fprintf(&sb, "- **RMSE**: %s minutes\n", artifacts.Fixed(res.RMSE, 4))
	fmt.Fprintf(&sb, "- **Best Iteration**: %d/%d\n", res.BestIteration, res.NumBoostRounds)
	fmt.Fprintf(&sb, "- **MLflow Run ID**: `%s`\n", res.RunID)
	fmt.Fprintf(&sb, "- **Pipeline Version**: YAML Config\n\n")
	fmt.Fprintf(&sb, "## Data Statistics\n")
	fmt.Fprintf(&sb, "- **Training Samples**: %s\n", artifacts.Count(train.NumSamples))
	fmt.Fprintf(&sb, "- **Validation Samples**: %s\n", artifacts.Count(val.NumSamples))
	fmt.Fprintf(&sb, "- **Total Features**: %s\n\n", artifacts.Count(train.NumFeatures))
	fmt.Fprintf(&sb, "## Hyperparameters (from config.yaml)\n")
	fmt.Fprintf(&sb, "| Parameter | Value |\n|-----------|-------|\n")
	for _, row := range [][2]string{
		{"Learning Rate", t.paramValue("learning_rate", p.Eta)},
		{"Max Depth", t.paramValue("max_depth", p.MaxDepth)},
		{"Min Child Weight", t.paramValue("min_child_weight", p.MinChildWeight)},
		{"Reg Alpha", t.paramValue("reg_alpha", p.Alpha)},
		{"Reg Lambda", t.paramValue("reg_lambda", p.Lambda)},
		{"Objective", t.paramValue("objective", p.Objective)},
	} {
		fmt.Fprintf(&sb, "| %s | %s |\n", row[0], row[1])
	}
	fmt.Fprintf(&sb, "\n## Training Configuration\n")
	fmt.Fprintf(&sb, "- **Boost Rounds**: %d\n", t.cfg.NumBoostRound())
	fmt.Fprintf(&sb, "- **Early Stopping**: %d rounds\n\n", t.cfg.EarlyStoppingRounds())
	fmt.Fprintf(&sb, "## Artifacts Saved\n")
	fmt.Fprintf(&sb, "- Model: `%s`\n", out.ModelPath)
	fmt.Fprintf(&sb, "- Preprocessor: `%s`\n", out.PreprocessorPath)
	fmt.Fprintf(&sb, "- Experiment: `%s`\n", t.tracker.ExperimentName())
	if len(out.ArtifactErrors) > 0 {
		fmt.Fprintf(&sb, "- Tracking uploads failed: %d (see logs)\n", len(out.ArtifactErrors))
	}

	md := artifacts.Markdown{Key: "yaml-training-summary", Description: "Detailed training summary", Body: sb.String()}
	if err := t.sink.Markdown(md); err != nil {
		t.logger.Warn().Err(err).Str("key", md.Key).Msg("Failed to write training summary artifact")
	}
}
