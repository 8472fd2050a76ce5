package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"taxi-duration/pkg/config"
	perrors "taxi-duration/pkg/errors"
	"taxi-duration/pkg/platform"
)

// localOpener redirects the fallback store into dir.
func localOpener(dir string) Opener {
	return func(ctx context.Context, uri string) (Backend, error) {
		if uri == FallbackURI {
			return newFileBackend(filepath.Join(dir, "mlruns"))
		}
		return Open(ctx, uri, Options{Client: platform.NewHTTPClient(0, time.Second)})
	}
}

func TestSetupFallsBackWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	uri := srv.URL
	srv.Close()

	dir := t.TempDir()
	tr, err := SetupWith(context.Background(), uri, "nyc-taxi-experiment", localOpener(dir), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if !tr.FellBack() {
		t.Error("expected fallback to the local store")
	}
	if tr.URI() != filepath.Join(dir, "mlruns") {
		t.Errorf("URI = %q", tr.URI())
	}
	if tr.ExperimentID() != "1" {
		t.Errorf("ExperimentID = %q, want 1 (0 is Default)", tr.ExperimentID())
	}
}

func TestSetupFallbackFailureIsFatal(t *testing.T) {
	open := func(ctx context.Context, uri string) (Backend, error) {
		return nil, errors.New("unreachable")
	}
	_, err := SetupWith(context.Background(), "http://tracking.invalid", "exp", open, zerolog.Nop())
	if perrors.KindOf(err) != perrors.KindTracking {
		t.Fatalf("err = %v, want tracking error", err)
	}
}

func TestNewClientEnvOverrides(t *testing.T) {
	cfg, err := config.Parse([]byte(`
mlflow:
  tracking_uri: http://127.0.0.1:1
  experiment_name: exp
data:
  base_url: https://example.test
  file_pattern: t_{year}-{month:02d}.csv
  min_duration: 1
  max_duration: 60
  categorical_features: [PULocationID, DOLocationID]
  numerical_features: [trip_distance]
model:
  params:
    max_depth: 3
  num_boost_round: 2
  early_stopping_rounds: 1
output:
  models_dir: models
  preprocessor_filename: p.b
retry:
  retries: 2
  retry_delay_seconds: 0
`))
	if err != nil {
		t.Fatal(err)
	}

	c := newClient(cfg, zerolog.Nop())
	if c.Retries != 2 || c.Timeout != 30*time.Second || c.Client.Transport != nil {
		t.Errorf("defaults: retries=%d timeout=%v transport=%v", c.Retries, c.Timeout, c.Client.Transport)
	}

	t.Setenv("MLFLOW_HTTP_REQUEST_MAX_RETRIES", "7")
	t.Setenv("MLFLOW_HTTP_REQUEST_TIMEOUT", "45")
	t.Setenv("MLFLOW_TRACKING_INSECURE_TLS", "true")
	c = newClient(cfg, zerolog.Nop())
	if c.Retries != 7 || c.Timeout != 45*time.Second {
		t.Errorf("overrides: retries=%d timeout=%v", c.Retries, c.Timeout)
	}
	if c.Client.Transport == nil {
		t.Error("insecure TLS should install a transport")
	}
}

func TestSetupReusesExperiment(t *testing.T) {
	dir := t.TempDir()
	uri := "file:" + filepath.Join(dir, "store")
	open := func(ctx context.Context, uri string) (Backend, error) { return Open(ctx, uri, Options{}) }

	first, err := SetupWith(context.Background(), uri, "exp", open, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	second, err := SetupWith(context.Background(), uri, "exp", open, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if first.FellBack() || second.FellBack() {
		t.Error("reachable file store should not fall back")
	}
	if first.ExperimentID() != second.ExperimentID() {
		t.Errorf("experiment ids differ: %s vs %s", first.ExperimentID(), second.ExperimentID())
	}
}

func TestSetupFromConfigFallsBack(t *testing.T) {
	cfg, err := config.Parse([]byte(`
mlflow:
  tracking_uri: http://127.0.0.1:1
  experiment_name: exp
data:
  base_url: https://example.test
  file_pattern: t_{year}-{month:02d}.csv
  min_duration: 1
  max_duration: 60
  categorical_features: [PULocationID, DOLocationID]
  numerical_features: [trip_distance]
model:
  params:
    max_depth: 3
  num_boost_round: 2
  early_stopping_rounds: 1
output:
  models_dir: models
  preprocessor_filename: p.b
retry:
  retries: 0
  retry_delay_seconds: 0
`))
	if err != nil {
		t.Fatal(err)
	}
	// the fallback store is relative to the working directory
	wd, _ := os.Getwd()
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	tr, err := Setup(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !tr.FellBack() || tr.URI() != FallbackURI {
		t.Errorf("FellBack=%v URI=%q", tr.FellBack(), tr.URI())
	}
	if _, err := os.Stat(filepath.Join(dir, "mlruns", tr.ExperimentID(), "meta.yaml")); err != nil {
		t.Errorf("experiment meta: %v", err)
	}
}

func TestFileStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr, err := SetupWith(ctx, dir, "exp", func(ctx context.Context, uri string) (Backend, error) {
		return Open(ctx, uri, Options{})
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	run, err := tr.StartRun(ctx, "train-2023-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(run.ID) != 32 || strings.Contains(run.ID, "-") {
		t.Errorf("run id %q is not 32 hex chars", run.ID)
	}
	if err := run.LogParams(ctx, []config.Param{{Key: "max_depth", Value: "6"}, {Key: "learning_rate", Value: "0.1"}}); err != nil {
		t.Fatal(err)
	}
	if err := run.LogParam(ctx, "max_depth", "7"); err == nil {
		t.Error("expected error when changing a logged param")
	}
	if err := run.LogMetric(ctx, "rmse", 5.25); err != nil {
		t.Fatal(err)
	}
	artifact := filepath.Join(t.TempDir(), "preprocessor.b")
	if err := os.WriteFile(artifact, []byte("vec"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run.LogArtifact(ctx, artifact, "preprocessor"); err != nil {
		t.Fatal(err)
	}
	if err := run.End(ctx, RunStatusFinished); err != nil {
		t.Fatal(err)
	}
	if err := run.End(ctx, RunStatusFailed); err != nil {
		t.Fatal(err)
	}
	if run.Status() != RunStatusFinished {
		t.Errorf("status = %s, want FINISHED", run.Status())
	}

	runDir := filepath.Join(dir, tr.ExperimentID(), run.ID)
	if v, _ := os.ReadFile(filepath.Join(runDir, "params", "max_depth")); string(v) != "6" {
		t.Errorf("param max_depth = %q", v)
	}
	metric, _ := os.ReadFile(filepath.Join(runDir, "metrics", "rmse"))
	if fields := strings.Fields(string(metric)); len(fields) != 3 || fields[1] != "5.25" || fields[2] != "0" {
		t.Errorf("metric line = %q", metric)
	}
	if _, err := os.Stat(filepath.Join(runDir, "artifacts", "preprocessor", "preprocessor.b")); err != nil {
		t.Errorf("artifact: %v", err)
	}

	var meta runMeta
	data, err := os.ReadFile(filepath.Join(runDir, "meta.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Status != 3 || meta.EndTime == nil || meta.RunName != "train-2023-01" {
		t.Errorf("meta = %+v", meta)
	}
}

// fakeMLflow is a minimal tracking server.
type fakeMLflow struct {
	mu          sync.Mutex
	experiments map[string]string
	params      map[string]string
	metrics     map[string]float64
	status      string
	uploads     map[string]string
	failUploads bool
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{
		experiments: map[string]string{},
		params:      map[string]string{},
		metrics:     map[string]float64{},
		uploads:     map[string]string{},
	}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	if r.Method == http.MethodPost {
		// the real server rejects untyped bodies
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error_code": "BAD_REQUEST", "message": "content type"})
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
	}
	reply := func(v any) { json.NewEncoder(w).Encode(v) }

	switch {
	case r.URL.Path == "/health":
		io.WriteString(w, "OK")
	case r.URL.Path == "/api/2.0/mlflow/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			reply(map[string]string{"error_code": "RESOURCE_DOES_NOT_EXIST", "message": "not found"})
			return
		}
		reply(map[string]any{"experiment": map[string]string{"experiment_id": id, "lifecycle_stage": "active"}})
	case r.URL.Path == "/api/2.0/mlflow/experiments/create":
		id := "7"
		f.experiments[body["name"].(string)] = id
		reply(map[string]string{"experiment_id": id})
	case r.URL.Path == "/api/2.0/mlflow/runs/create":
		reply(map[string]any{"run": map[string]any{"info": map[string]string{"run_id": "abc123"}}})
	case r.URL.Path == "/api/2.0/mlflow/runs/log-parameter":
		f.params[body["key"].(string)] = body["value"].(string)
		reply(map[string]any{})
	case r.URL.Path == "/api/2.0/mlflow/runs/log-metric":
		f.metrics[body["key"].(string)] = body["value"].(float64)
		reply(map[string]any{})
	case r.URL.Path == "/api/2.0/mlflow/runs/update":
		f.status = body["status"].(string)
		reply(map[string]any{})
	case strings.HasPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/") && r.Method == http.MethodPut:
		if f.failUploads {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.uploads[strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/")] = string(data)
		reply(map[string]any{})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestRESTStore(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	tr, err := SetupWith(ctx, srv.URL, "nyc-taxi-experiment", localOpener(t.TempDir()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if tr.FellBack() || tr.ExperimentID() != "7" {
		t.Fatalf("FellBack=%v experiment=%s", tr.FellBack(), tr.ExperimentID())
	}

	run, err := tr.StartRun(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := run.LogParam(ctx, "learning_rate", "0.1"); err != nil {
		t.Fatal(err)
	}
	if err := run.LogMetric(ctx, "rmse", 6.5); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run.LogArtifact(ctx, path, "models_mlflow"); err != nil {
		t.Fatal(err)
	}
	if err := run.End(ctx, RunStatusFinished); err != nil {
		t.Fatal(err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.params["learning_rate"] != "0.1" || fake.metrics["rmse"] != 6.5 || fake.status != "FINISHED" {
		t.Errorf("server state: params=%v metrics=%v status=%s", fake.params, fake.metrics, fake.status)
	}
	if fake.uploads["7/abc123/artifacts/models_mlflow/model.json"] != "{}" {
		t.Errorf("uploads = %v", fake.uploads)
	}
}

func TestRESTStoreUploadFailure(t *testing.T) {
	fake := newFakeMLflow()
	fake.failUploads = true
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	tr, err := SetupWith(ctx, srv.URL, "exp", localOpener(t.TempDir()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	run, err := tr.StartRun(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "p.b")
	os.WriteFile(path, []byte("x"), 0o644)

	err = run.LogArtifact(ctx, path, "preprocessor")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 APIError", err)
	}
	if perrors.KindOf(err) != perrors.KindArtifact || perrors.KindOf(err).Fatal() {
		t.Errorf("upload failure should be a non-fatal artifact error, got %v", perrors.KindOf(err))
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "ftp://host/mlruns", Options{})
	if perrors.KindOf(err) != perrors.KindConfig {
		t.Errorf("err = %v, want config error", err)
	}
}

func TestSetupDoesNotFallBackOnBadURI(t *testing.T) {
	dir := t.TempDir()
	_, err := SetupWith(context.Background(), "ftp://host/mlruns", "exp", localOpener(dir), zerolog.Nop())
	if perrors.KindOf(err) != perrors.KindConfig || !perrors.KindOf(err).Fatal() {
		t.Fatalf("err = %v, want fatal config error", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mlruns")); !os.IsNotExist(err) {
		t.Error("fallback store should not be created for a malformed URI")
	}
}
