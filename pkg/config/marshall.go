package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	perrors "taxi-duration/pkg/errors"
)

const (
	defaultArtifactsDir  = "artifacts"
	defaultRunIDFile     = "yaml_pipeline_run_id.txt"
	defaultRMSELimit     = 6.0
	defaultPickupColumn  = "lpep_pickup_datetime"
	defaultDropoffColumn = "lpep_dropoff_datetime"
)

// Marshall is the mutable mirror of the YAML document.
type Marshall struct {
	MLflow  *MLflowMarshall `yaml:"mlflow"`
	Data    *DataMarshall   `yaml:"data"`
	Model   *ModelMarshall  `yaml:"model"`
	Output  *OutputMarshall `yaml:"output"`
	Prefect *RetryMarshall  `yaml:"prefect"`
	Retry   *RetryMarshall  `yaml:"retry"`
}

type MLflowMarshall struct {
	TrackingURI    *string `yaml:"tracking_uri"`
	ExperimentName *string `yaml:"experiment_name"`
}

type DataMarshall struct {
	BaseURL             *string             `yaml:"base_url"`
	FilePattern         *string             `yaml:"file_pattern"`
	MinDuration         *float64            `yaml:"min_duration"`
	MaxDuration         *float64            `yaml:"max_duration"`
	CategoricalFeatures []string            `yaml:"categorical_features"`
	NumericalFeatures   []string            `yaml:"numerical_features"`
	PickupColumn        string              `yaml:"pickup_column,omitempty"`
	DropoffColumn       string              `yaml:"dropoff_column,omitempty"`
	ClickHouse          *ClickHouseMarshall `yaml:"clickhouse,omitempty"`
	S3                  *S3Marshall         `yaml:"s3,omitempty"`
}

type ClickHouseMarshall struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type S3Marshall struct {
	Region string `yaml:"region"`
}

type ModelMarshall struct {
	Params              yaml.Node `yaml:"params"`
	NumBoostRound       *int      `yaml:"num_boost_round"`
	EarlyStoppingRounds *int      `yaml:"early_stopping_rounds"`
}

type OutputMarshall struct {
	ModelsDir            *string  `yaml:"models_dir"`
	PreprocessorFilename *string  `yaml:"preprocessor_filename"`
	ArtifactsDir         string   `yaml:"artifacts_dir,omitempty"`
	RunIDFile            string   `yaml:"run_id_file,omitempty"`
	RMSELimit            *float64 `yaml:"rmse_limit,omitempty"`
}

type RetryMarshall struct {
	Retries           *int `yaml:"retries"`
	RetryDelaySeconds *int `yaml:"retry_delay_seconds"`
}

// Load reads and seals the configuration at path.
//
// A missing file yields an error satisfying errors.Is(err, fs.ErrNotExist).
func Load(path string) (*PipelineConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.New(perrors.KindConfig, "load config", path, err)
	}
	return Parse(content)
}

// Parse decodes and seals a configuration document.
func Parse(content []byte) (*PipelineConfig, error) {
	var m Marshall
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, perrors.New(perrors.KindConfig, "parse config", "malformed document", err)
	}
	cfg, err := m.Seal()
	if err != nil {
		return nil, perrors.New(perrors.KindConfig, "validate config", "", err)
	}
	return cfg, nil
}

// sealer accumulates problems while reading fields.
type sealer struct {
	problems []string
}

func (s *sealer) fail(format string, args ...any) {
	s.problems = append(s.problems, fmt.Sprintf(format, args...))
}

func requiredString(s *sealer, v *string, path string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		s.fail("%s is required", path)
		return ""
	}
	return *v
}

func requiredInt(s *sealer, v *int, path string) int {
	if v == nil {
		s.fail("%s is required", path)
		return 0
	}
	return *v
}

func requiredFloat(s *sealer, v *float64, path string) float64 {
	if v == nil {
		s.fail("%s is required", path)
		return 0
	}
	return *v
}

// Seal validates the document and returns the immutable configuration.
func (m *Marshall) Seal() (*PipelineConfig, error) {
	s := &sealer{}
	cfg := &PipelineConfig{}

	if m.MLflow == nil {
		s.fail("mlflow is required")
		m.MLflow = &MLflowMarshall{}
	}
	cfg.trackingURI = requiredString(s, m.MLflow.TrackingURI, "mlflow.tracking_uri")
	cfg.experimentName = requiredString(s, m.MLflow.ExperimentName, "mlflow.experiment_name")

	m.sealData(s, cfg)
	m.sealModel(s, cfg)
	m.sealOutput(s, cfg)
	m.sealRetry(s, cfg)

	if len(s.problems) > 0 {
		return nil, &perrors.FieldError{Problems: s.problems}
	}
	return cfg, nil
}

func (m *Marshall) sealData(s *sealer, cfg *PipelineConfig) {
	d := m.Data
	if d == nil {
		s.fail("data is required")
		d = &DataMarshall{}
	}
	base := requiredString(s, d.BaseURL, "data.base_url")
	pattern := requiredString(s, d.FilePattern, "data.file_pattern")
	if pattern != "" && (!strings.Contains(pattern, "{year}") || !strings.Contains(pattern, "{month")) {
		s.fail("data.file_pattern must contain {year} and {month} placeholders")
	}
	cfg.dataURLPattern = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(pattern, "/")

	cfg.minDuration = requiredFloat(s, d.MinDuration, "data.min_duration")
	cfg.maxDuration = requiredFloat(s, d.MaxDuration, "data.max_duration")
	if d.MinDuration != nil && d.MaxDuration != nil {
		if cfg.minDuration < 0 {
			s.fail("data.min_duration must be >= 0")
		}
		if cfg.minDuration > cfg.maxDuration {
			s.fail("data.min_duration (%g) must not exceed data.max_duration (%g)", cfg.minDuration, cfg.maxDuration)
		}
	}

	if d.CategoricalFeatures == nil {
		s.fail("data.categorical_features is required")
	}
	if len(d.NumericalFeatures) == 0 {
		s.fail("data.numerical_features must list at least one column")
	}
	cfg.categoricalFeatures = append([]string(nil), d.CategoricalFeatures...)
	cfg.numericalFeatures = append([]string(nil), d.NumericalFeatures...)

	cfg.pickupColumn = d.PickupColumn
	if cfg.pickupColumn == "" {
		cfg.pickupColumn = defaultPickupColumn
	}
	cfg.dropoffColumn = d.DropoffColumn
	if cfg.dropoffColumn == "" {
		cfg.dropoffColumn = defaultDropoffColumn
	}
	if d.ClickHouse != nil {
		cfg.clickhouse = ClickHouseConfig{
			Username: d.ClickHouse.Username,
			Password: d.ClickHouse.Password,
			Database: d.ClickHouse.Database,
		}
	}
	if d.S3 != nil {
		cfg.s3Region = d.S3.Region
	}
}

func (m *Marshall) sealModel(s *sealer, cfg *PipelineConfig) {
	md := m.Model
	if md == nil {
		s.fail("model is required")
		md = &ModelMarshall{}
	}

	switch {
	case md.Params.Kind == 0:
		s.fail("model.params is required")
	case md.Params.Kind != yaml.MappingNode:
		s.fail("model.params must be a mapping")
	default:
		content := md.Params.Content
		for i := 0; i+1 < len(content); i += 2 {
			k, v := content[i], content[i+1]
			if v.Kind != yaml.ScalarNode {
				s.fail("model.params.%s must be a scalar", k.Value)
				continue
			}
			cfg.modelParams = append(cfg.modelParams, Param{Key: k.Value, Value: v.Value})
		}
	}

	cfg.numBoostRound = requiredInt(s, md.NumBoostRound, "model.num_boost_round")
	if md.NumBoostRound != nil && cfg.numBoostRound < 1 {
		s.fail("model.num_boost_round must be >= 1")
	}
	cfg.earlyStoppingRounds = requiredInt(s, md.EarlyStoppingRounds, "model.early_stopping_rounds")
	if md.EarlyStoppingRounds != nil && cfg.earlyStoppingRounds < 1 {
		s.fail("model.early_stopping_rounds must be >= 1")
	}
}

func (m *Marshall) sealOutput(s *sealer, cfg *PipelineConfig) {
	o := m.Output
	if o == nil {
		s.fail("output is required")
		o = &OutputMarshall{}
	}
	cfg.modelsDir = requiredString(s, o.ModelsDir, "output.models_dir")
	cfg.preprocessorFilename = requiredString(s, o.PreprocessorFilename, "output.preprocessor_filename")
	if strings.ContainsAny(cfg.preprocessorFilename, `/\`) {
		s.fail("output.preprocessor_filename must be a file name, not a path")
	}

	cfg.artifactsDir = o.ArtifactsDir
	if cfg.artifactsDir == "" {
		cfg.artifactsDir = defaultArtifactsDir
	}
	cfg.runIDFile = o.RunIDFile
	if cfg.runIDFile == "" {
		cfg.runIDFile = defaultRunIDFile
	}
	cfg.rmseLimit = defaultRMSELimit
	if o.RMSELimit != nil {
		cfg.rmseLimit = *o.RMSELimit
	}
}

func (m *Marshall) sealRetry(s *sealer, cfg *PipelineConfig) {
	r := m.Prefect
	path := "prefect"
	if r == nil && m.Retry != nil {
		r = m.Retry
		path = "retry"
	}
	if r == nil {
		s.fail("prefect is required")
		r = &RetryMarshall{}
	}
	cfg.retries = requiredInt(s, r.Retries, path+".retries")
	if cfg.retries < 0 {
		s.fail("%s.retries must be >= 0", path)
	}
	delay := requiredInt(s, r.RetryDelaySeconds, path+".retry_delay_seconds")
	if delay < 0 {
		s.fail("%s.retry_delay_seconds must be >= 0", path)
	}
	cfg.retryDelay = time.Duration(delay) * time.Second
}
