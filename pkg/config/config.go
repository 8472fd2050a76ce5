// Package config loads the pipeline configuration document.
//
// The YAML document is decoded into mutable Marshall types and then sealed
// into an immutable PipelineConfig. Sealing checks every consumed field once;
// a document with any missing or invalid required field is rejected as a whole.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Param is one model hyperparameter as written in the document.
type Param struct {
	Key   string
	Value string
}

// ClickHouseConfig holds credentials for clickhouse:// data sources.
type ClickHouseConfig struct {
	Username string
	Password string
	Database string
}

// PipelineConfig is the sealed, read-only configuration snapshot.
//
// Use Load or Parse to get an instance.
type PipelineConfig struct {
	trackingURI    string
	experimentName string

	dataURLPattern      string
	minDuration         float64
	maxDuration         float64
	categoricalFeatures []string
	numericalFeatures   []string
	pickupColumn        string
	dropoffColumn       string
	clickhouse          ClickHouseConfig
	s3Region            string

	modelParams         []Param
	numBoostRound       int
	earlyStoppingRounds int

	modelsDir            string
	preprocessorFilename string
	artifactsDir         string
	runIDFile            string
	rmseLimit            float64

	retries    int
	retryDelay time.Duration
}

// MLflow-compatible tracking endpoint.
func (c *PipelineConfig) TrackingURI() string { return c.trackingURI }

func (c *PipelineConfig) ExperimentName() string { return c.experimentName }

// Source location template with {year} and {month} placeholders.
func (c *PipelineConfig) DataURLPattern() string { return c.dataURLPattern }

// Inclusive trip duration bounds, in minutes.
func (c *PipelineConfig) MinDuration() float64 { return c.minDuration }
func (c *PipelineConfig) MaxDuration() float64 { return c.maxDuration }

func (c *PipelineConfig) CategoricalFeatures() []string {
	return append([]string(nil), c.categoricalFeatures...)
}

func (c *PipelineConfig) NumericalFeatures() []string {
	return append([]string(nil), c.numericalFeatures...)
}

// Timestamp columns used for the duration. Defaults lpep_pickup_datetime / lpep_dropoff_datetime.
func (c *PipelineConfig) PickupColumn() string  { return c.pickupColumn }
func (c *PipelineConfig) DropoffColumn() string { return c.dropoffColumn }

func (c *PipelineConfig) ClickHouse() ClickHouseConfig { return c.clickhouse }
func (c *PipelineConfig) S3Region() string             { return c.s3Region }

// ModelParams returns hyperparameters in document order.
func (c *PipelineConfig) ModelParams() []Param {
	return append([]Param(nil), c.modelParams...)
}

// ModelParam looks up a single hyperparameter.
func (c *PipelineConfig) ModelParam(key string) (string, bool) {
	for _, p := range c.modelParams {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// ModelParamMap returns hyperparameters as a map.
func (c *PipelineConfig) ModelParamMap() map[string]string {
	m := make(map[string]string, len(c.modelParams))
	for _, p := range c.modelParams {
		m[p.Key] = p.Value
	}
	return m
}

func (c *PipelineConfig) NumBoostRound() int       { return c.numBoostRound }
func (c *PipelineConfig) EarlyStoppingRounds() int { return c.earlyStoppingRounds }

func (c *PipelineConfig) ModelsDir() string            { return c.modelsDir }
func (c *PipelineConfig) PreprocessorFilename() string { return c.preprocessorFilename }

// Directory where table and markdown run artifacts are written. Default "artifacts".
func (c *PipelineConfig) ArtifactsDir() string { return c.artifactsDir }

// File the CLI writes the tracking run id to. Default "yaml_pipeline_run_id.txt".
func (c *PipelineConfig) RunIDFile() string { return c.runIDFile }

// RMSE above which the quality gate warns. Default 6.0.
func (c *PipelineConfig) RMSELimit() float64 { return c.rmseLimit }

// Retry policy for remote fetches.
func (c *PipelineConfig) Retries() int              { return c.retries }
func (c *PipelineConfig) RetryDelay() time.Duration { return c.retryDelay }

// WithTrackingURI returns a copy of c pointing at another tracking endpoint.
func (c *PipelineConfig) WithTrackingURI(uri string) *PipelineConfig {
	cp := *c
	cp.trackingURI = uri
	return &cp
}

// Summary renders the configuration as aligned key/value lines.
func (c *PipelineConfig) Summary() string {
	var sb strings.Builder
	line := func(k string, v any) { fmt.Fprintf(&sb, "%-24s %v\n", k+":", v) }
	line("tracking_uri", c.trackingURI)
	line("experiment_name", c.experimentName)
	line("data_url_pattern", c.dataURLPattern)
	line("duration", fmt.Sprintf("[%g, %g] min", c.minDuration, c.maxDuration))
	line("categorical_features", strings.Join(c.categoricalFeatures, ", "))
	line("numerical_features", strings.Join(c.numericalFeatures, ", "))
	for _, p := range c.modelParams {
		line("model."+p.Key, p.Value)
	}
	line("num_boost_round", c.numBoostRound)
	line("early_stopping_rounds", c.earlyStoppingRounds)
	line("models_dir", c.modelsDir)
	line("preprocessor_filename", c.preprocessorFilename)
	line("artifacts_dir", c.artifactsDir)
	line("retries", c.retries)
	line("retry_delay", c.retryDelay)
	return sb.String()
}
