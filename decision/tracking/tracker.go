package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taxi-duration/pkg/config"
	perrors "taxi-duration/pkg/errors"
	"taxi-duration/pkg/platform"
)

// FallbackURI is the local store used when the configured tracking URI is
// unreachable.
const FallbackURI = "file:./mlruns"

// Opener opens a backend for a URI.
type Opener func(ctx context.Context, uri string) (Backend, error)

// Tracker is a connected backend with an active experiment.
type Tracker struct {
	backend        Backend
	experimentID   string
	experimentName string
	fellBack       bool
	logger         zerolog.Logger
	now            func() time.Time
}

// Setup connects to cfg's tracking URI and selects its experiment. An
// unreachable URI falls back to FallbackURI with a warning; failing to
// select the experiment afterwards is fatal.
func Setup(ctx context.Context, cfg *config.PipelineConfig, logger zerolog.Logger) (*Tracker, error) {
	client := newClient(cfg, logger)
	opener := func(ctx context.Context, uri string) (Backend, error) {
		return Open(ctx, uri, Options{
			Client:       client,
			ArtifactRoot: platform.GetEnv("MLFLOW_ARTIFACT_ROOT", "./mlartifacts"),
		})
	}
	return SetupWith(ctx, cfg.TrackingURI(), cfg.ExperimentName(), opener, logger)
}

// newClient builds the REST client. The MLFLOW_HTTP_REQUEST_* and
// MLFLOW_TRACKING_INSECURE_TLS variables override the configured policy.
func newClient(cfg *config.PipelineConfig, logger zerolog.Logger) *platform.HTTPClient {
	retries := platform.GetEnvInt("MLFLOW_HTTP_REQUEST_MAX_RETRIES", cfg.Retries())
	timeout := platform.GetEnvDuration("MLFLOW_HTTP_REQUEST_TIMEOUT", 30*time.Second)
	return platform.NewHTTPClient(retries, timeout).
		WithDelay(cfg.RetryDelay()).
		WithLogger(logger).
		WithCredentials(platform.CredentialsFromEnv()).
		WithInsecureTLS(platform.GetEnvBool("MLFLOW_TRACKING_INSECURE_TLS", false))
}

// SetupWith is Setup with an explicit URI, experiment and opener.
func SetupWith(ctx context.Context, uri, experiment string, open Opener, logger zerolog.Logger) (*Tracker, error) {
	logger.Info().Str("uri", uri).Msg("Connecting to tracking store")
	backend, err := connect(ctx, uri, open)
	fellBack := false
	if err != nil && perrors.KindOf(err).Fatal() {
		return nil, err
	}
	if err != nil {
		logger.Warn().Err(err).Str("uri", uri).Str("fallback", FallbackURI).
			Msg("Tracking store unreachable, falling back to local store")
		backend, err = connect(ctx, FallbackURI, open)
		if err != nil {
			return nil, perrors.New(perrors.KindTracking, "tracking setup", "fallback store "+FallbackURI, err)
		}
		fellBack = true
	}

	id, err := selectExperiment(ctx, backend, experiment)
	if err != nil {
		backend.Close()
		return nil, perrors.New(perrors.KindTracking, "tracking setup", "experiment "+experiment, err)
	}
	logger.Info().Str("uri", backend.URI()).Str("experiment", experiment).Str("experiment_id", id).
		Msg("Tracking configured")

	return &Tracker{
		backend:        backend,
		experimentID:   id,
		experimentName: experiment,
		fellBack:       fellBack,
		logger:         logger,
		now:            time.Now,
	}, nil
}

func connect(ctx context.Context, uri string, open Opener) (Backend, error) {
	backend, err := open(ctx, uri)
	if err != nil {
		// already classified errors (a malformed URI) keep their kind
		if perrors.KindOf(err) != perrors.KindUnknown {
			return nil, err
		}
		return nil, perrors.Wrap(perrors.KindConnectivity, "tracking connect", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		backend.Close()
		return nil, perrors.Wrap(perrors.KindConnectivity, "tracking connect", err)
	}
	return backend, nil
}

func selectExperiment(ctx context.Context, b Backend, name string) (string, error) {
	if name == "" {
		return "", errors.New("experiment name is empty")
	}
	id, found, err := b.GetExperimentByName(ctx, name)
	if err != nil {
		return "", err
	}
	if found {
		return id, nil
	}
	return b.CreateExperiment(ctx, name)
}

func (t *Tracker) URI() string            { return t.backend.URI() }
func (t *Tracker) ExperimentID() string   { return t.experimentID }
func (t *Tracker) ExperimentName() string { return t.experimentName }

// FellBack reports whether the local fallback store is in use.
func (t *Tracker) FellBack() bool { return t.fellBack }

// Backend returns the underlying store.
func (t *Tracker) Backend() Backend { return t.backend }

func (t *Tracker) Close() error { return t.backend.Close() }

// StartRun opens a run in the active experiment.
func (t *Tracker) StartRun(ctx context.Context, name string) (*Run, error) {
	start := t.now()
	id, err := t.backend.CreateRun(ctx, t.experimentID, name, start)
	if err != nil {
		return nil, perrors.Wrap(perrors.KindTracking, "start run", err)
	}
	t.logger.Info().Str("run_id", id).Str("run_name", name).Msg("Run started")
	return &Run{ID: id, Name: name, StartTime: start, tracker: t}, nil
}

// =============================================================================
// RUN
// =============================================================================

// Run is an active run. End must be called exactly once; later calls are
// no-ops.
type Run struct {
	ID        string
	Name      string
	StartTime time.Time

	tracker *Tracker
	mu      sync.Mutex
	status  RunStatus
}

func (r *Run) LogParam(ctx context.Context, key, value string) error {
	return perrors.Wrap(perrors.KindTracking, "log param", r.tracker.backend.LogParam(ctx, r.ID, key, value))
}

// LogParams logs params in order, stopping at the first failure.
func (r *Run) LogParams(ctx context.Context, params []config.Param) error {
	for _, p := range params {
		if err := r.LogParam(ctx, p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// LogMetric records value at step 0.
func (r *Run) LogMetric(ctx context.Context, key string, value float64) error {
	err := r.tracker.backend.LogMetric(ctx, r.ID, key, value, r.tracker.now(), 0)
	return perrors.Wrap(perrors.KindTracking, "log metric", err)
}

// LogArtifact uploads a local file under artifactPath.
func (r *Run) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	err := r.tracker.backend.LogArtifact(ctx, r.ID, localPath, artifactPath)
	return perrors.Wrap(perrors.KindArtifact, "log artifact", err)
}

// End sets the terminal status of the run.
func (r *Run) End(ctx context.Context, status RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != "" {
		return nil
	}
	if err := r.tracker.backend.UpdateRun(ctx, r.ID, string(status), r.tracker.now()); err != nil {
		return perrors.Wrap(perrors.KindTracking, "end run", fmt.Errorf("run %s: %w", r.ID, err))
	}
	r.status = status
	r.tracker.logger.Info().Str("run_id", r.ID).Str("status", string(status)).Msg("Run ended")
	return nil
}

// Status returns the terminal status, or "" while the run is active.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
