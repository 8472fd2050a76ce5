package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taxi-duration/pkg/platform"
)

// RESTStore talks to an MLflow tracking server.
type RESTStore struct {
	base   string
	client *platform.HTTPClient

	mu          sync.Mutex
	experiments map[string]string // run id -> experiment id
}

func NewRESTStore(base string, client *platform.HTTPClient) *RESTStore {
	return &RESTStore{
		base:        strings.TrimSuffix(base, "/"),
		client:      client,
		experiments: make(map[string]string),
	}
}

// APIError is an error response from the tracking server.
type APIError struct {
	Status  int
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("tracking server returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("tracking server returned HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

func (s *RESTStore) URI() string { return s.base }

func (s *RESTStore) Close() error { return nil }

// Ping makes one request to the server's health endpoint, without retries.
func (s *RESTStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/health", nil)
	if err != nil {
		return err
	}
	s.client.Credentials.Apply(req)
	resp, err := s.client.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach tracking server %s: %w", s.base, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracking server %s health check: HTTP %d", s.base, resp.StatusCode)
	}
	return nil
}

func (s *RESTStore) get(ctx context.Context, endpoint string, out any) error {
	resp, err := s.client.Do(ctx, http.MethodGet, s.base+"/api/2.0/mlflow/"+endpoint, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (s *RESTStore) post(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := s.client.PostJSON(ctx, s.base+"/api/2.0/mlflow/"+endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

type experimentJSON struct {
	ExperimentID   string `json:"experiment_id"`
	Name           string `json:"name"`
	LifecycleStage string `json:"lifecycle_stage"`
}

func (s *RESTStore) GetExperimentByName(ctx context.Context, name string) (string, bool, error) {
	var out struct {
		Experiment experimentJSON `json:"experiment"`
	}
	err := s.get(ctx, "experiments/get-by-name?experiment_name="+url.QueryEscape(name), &out)
	if apiErr, ok := err.(*APIError); ok && (apiErr.Code == "RESOURCE_DOES_NOT_EXIST" || apiErr.Status == http.StatusNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get experiment %q: %w", name, err)
	}
	if out.Experiment.LifecycleStage == "deleted" {
		return "", false, fmt.Errorf("experiment %q is deleted; restore it or choose another name", name)
	}
	return out.Experiment.ExperimentID, true, nil
}

func (s *RESTStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	var out struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := s.post(ctx, "experiments/create", map[string]string{"name": name}, &out); err != nil {
		return "", fmt.Errorf("failed to create experiment %q: %w", name, err)
	}
	return out.ExperimentID, nil
}

func (s *RESTStore) CreateRun(ctx context.Context, experimentID, runName string, start time.Time) (string, error) {
	in := map[string]any{
		"experiment_id": experimentID,
		"start_time":    millis(start),
	}
	if runName != "" {
		in["run_name"] = runName
	}
	var out struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := s.post(ctx, "runs/create", in, &out); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	runID := out.Run.Info.RunID
	s.mu.Lock()
	s.experiments[runID] = experimentID
	s.mu.Unlock()
	return runID, nil
}

func (s *RESTStore) LogParam(ctx context.Context, runID, key, value string) error {
	in := map[string]string{"run_id": runID, "key": key, "value": value}
	if err := s.post(ctx, "runs/log-parameter", in, nil); err != nil {
		return fmt.Errorf("failed to log param %s: %w", key, err)
	}
	return nil
}

func (s *RESTStore) LogMetric(ctx context.Context, runID, key string, value float64, ts time.Time, step int64) error {
	in := map[string]any{
		"run_id":    runID,
		"key":       key,
		"value":     value,
		"timestamp": millis(ts),
		"step":      step,
	}
	if err := s.post(ctx, "runs/log-metric", in, nil); err != nil {
		return fmt.Errorf("failed to log metric %s: %w", key, err)
	}
	return nil
}

func (s *RESTStore) UpdateRun(ctx context.Context, runID, status string, end time.Time) error {
	in := map[string]any{"run_id": runID, "status": status, "end_time": millis(end)}
	if err := s.post(ctx, "runs/update", in, nil); err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return nil
}

// LogArtifact uploads through the server's artifact proxy.
func (s *RESTStore) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	s.mu.Lock()
	expID, ok := s.experiments[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s was not created by this client", runID)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	rel := path.Join(artifactPath, filepath.Base(localPath))
	parts := []string{expID, runID, "artifacts"}
	for _, p := range strings.Split(rel, "/") {
		if p != "" {
			parts = append(parts, url.PathEscape(p))
		}
	}
	endpoint := s.base + "/api/2.0/mlflow-artifacts/artifacts/" + strings.Join(parts, "/")

	header := http.Header{"Content-Type": []string{"application/octet-stream"}}
	resp, err := s.client.Do(ctx, http.MethodPut, endpoint, data, header)
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", rel, err)
	}
	defer resp.Body.Close()
	if err := decodeResponse(resp, nil); err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", rel, err)
	}
	return nil
}
