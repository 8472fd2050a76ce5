package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FileStore keeps runs in the MLflow directory layout:
//
//	<root>/<experiment_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/params/<key>
//	<root>/<experiment_id>/<run_id>/metrics/<key>   "<timestamp> <value> <step>" lines
//	<root>/<experiment_id>/<run_id>/artifacts/...
type FileStore struct {
	root string
	uri  string

	mu   sync.Mutex
	runs map[string]string // run id -> experiment id
	now  func() time.Time
}

const defaultExperimentID = "0"

// run status codes used in run meta.yaml
var statusCodes = map[string]int{
	string(RunStatusRunning):  1,
	"SCHEDULED":               2,
	string(RunStatusFinished): 3,
	string(RunStatusFailed):   4,
	string(RunStatusKilled):   5,
}

// NewFileStore opens the store at uri ("file:./mlruns", "file:///abs/mlruns"
// or a plain path). Nothing is written until Ping or the first write.
func NewFileStore(uri string) (*FileStore, error) {
	root := uri
	switch {
	case strings.HasPrefix(root, "file://"):
		root = strings.TrimPrefix(root, "file://")
	case strings.HasPrefix(root, "file:"):
		root = strings.TrimPrefix(root, "file:")
	}
	if root == "" {
		return nil, errors.New("empty file store path")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FileStore{root: abs, uri: uri, runs: make(map[string]string), now: time.Now}, nil
}

func (s *FileStore) URI() string  { return s.uri }
func (s *FileStore) Root() string { return s.root }
func (s *FileStore) Close() error { return nil }

// Ping creates the root and the Default experiment when missing.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create file store %s: %w", s.root, err)
	}
	if _, err := os.Stat(filepath.Join(s.root, defaultExperimentID, "meta.yaml")); errors.Is(err, fs.ErrNotExist) {
		return s.writeExperiment(defaultExperimentID, "Default")
	}
	return nil
}

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type runMeta struct {
	ArtifactURI    string   `yaml:"artifact_uri"`
	EndTime        *int64   `yaml:"end_time"`
	EntryPointName string   `yaml:"entry_point_name"`
	ExperimentID   string   `yaml:"experiment_id"`
	LifecycleStage string   `yaml:"lifecycle_stage"`
	RunID          string   `yaml:"run_id"`
	RunName        string   `yaml:"run_name"`
	RunUUID        string   `yaml:"run_uuid"`
	SourceName     string   `yaml:"source_name"`
	SourceType     int      `yaml:"source_type"`
	SourceVersion  string   `yaml:"source_version"`
	StartTime      int64    `yaml:"start_time"`
	Status         int      `yaml:"status"`
	Tags           []string `yaml:"tags"`
	UserID         string   `yaml:"user_id"`
}

func (s *FileStore) readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func writeYAML(path string, in any) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *FileStore) writeExperiment(id, name string) error {
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create experiment dir: %w", err)
	}
	now := millis(s.now())
	meta := experimentMeta{
		ArtifactLocation: "file://" + filepath.ToSlash(dir),
		CreationTime:     now,
		ExperimentID:     id,
		LastUpdateTime:   now,
		LifecycleStage:   "active",
		Name:             name,
	}
	if err := writeYAML(filepath.Join(dir, "meta.yaml"), meta); err != nil {
		return fmt.Errorf("failed to write experiment meta: %w", err)
	}
	return nil
}

func (s *FileStore) experiments() ([]experimentMeta, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []experimentMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var meta experimentMeta
		if err := s.readYAML(filepath.Join(s.root, e.Name(), "meta.yaml"), &meta); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read experiment %s: %w", e.Name(), err)
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *FileStore) GetExperimentByName(ctx context.Context, name string) (string, bool, error) {
	exps, err := s.experiments()
	if err != nil {
		return "", false, err
	}
	for _, e := range exps {
		if e.Name != name {
			continue
		}
		if e.LifecycleStage == "deleted" {
			return "", false, fmt.Errorf("experiment %q is deleted; restore it or choose another name", name)
		}
		return e.ExperimentID, true, nil
	}
	return "", false, nil
}

func (s *FileStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exps, err := s.experiments()
	if err != nil {
		return "", err
	}
	next := 0
	for _, e := range exps {
		if e.Name == name {
			return "", fmt.Errorf("experiment %q already exists", name)
		}
		if n, err := strconv.Atoi(e.ExperimentID); err == nil && n >= next {
			next = n + 1
		}
	}
	id := strconv.Itoa(next)
	if err := s.writeExperiment(id, name); err != nil {
		return "", err
	}
	return id, nil
}

// NewRunID returns a 32-character hex run id.
func NewRunID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (s *FileStore) CreateRun(ctx context.Context, experimentID, runName string, start time.Time) (string, error) {
	expDir := filepath.Join(s.root, experimentID)
	if _, err := os.Stat(filepath.Join(expDir, "meta.yaml")); err != nil {
		return "", fmt.Errorf("experiment %s not found: %w", experimentID, err)
	}
	runID := NewRunID()
	runDir := filepath.Join(expDir, runID)
	for _, sub := range []string{"params", "metrics", "artifacts", "tags"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return "", fmt.Errorf("failed to create run dir: %w", err)
		}
	}

	userID := "unknown"
	if u, err := user.Current(); err == nil {
		userID = u.Username
	}
	meta := runMeta{
		ArtifactURI:    "file://" + filepath.ToSlash(filepath.Join(runDir, "artifacts")),
		ExperimentID:   experimentID,
		LifecycleStage: "active",
		RunID:          runID,
		RunName:        runName,
		RunUUID:        runID,
		SourceType:     4,
		StartTime:      millis(start),
		Status:         statusCodes[string(RunStatusRunning)],
		Tags:           []string{},
		UserID:         userID,
	}
	if err := writeYAML(filepath.Join(runDir, "meta.yaml"), meta); err != nil {
		return "", fmt.Errorf("failed to write run meta: %w", err)
	}
	if runName != "" {
		if err := os.WriteFile(filepath.Join(runDir, "tags", "mlflow.runName"), []byte(runName), 0o644); err != nil {
			return "", fmt.Errorf("failed to write run name tag: %w", err)
		}
	}

	s.mu.Lock()
	s.runs[runID] = experimentID
	s.mu.Unlock()
	return runID, nil
}

// RunDir returns the directory of a run created by this store.
func (s *FileStore) RunDir(runID string) (string, error) {
	s.mu.Lock()
	expID, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		matches, _ := filepath.Glob(filepath.Join(s.root, "*", runID))
		if len(matches) != 1 {
			return "", fmt.Errorf("run %s not found", runID)
		}
		return matches[0], nil
	}
	return filepath.Join(s.root, expID, runID), nil
}

var keyPattern = regexp.MustCompile(`^[\w\-. /]+$`)

func validKey(key string) error {
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}

func (s *FileStore) LogParam(ctx context.Context, runID, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "params", filepath.FromSlash(key))
	if old, err := os.ReadFile(path); err == nil && string(old) != value {
		return fmt.Errorf("param %s already logged with value %q", key, old)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value), 0o644)
}

func (s *FileStore) LogMetric(ctx context.Context, runID, key string, value float64, ts time.Time, step int64) error {
	if err := validKey(key); err != nil {
		return err
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "metrics", filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%d %s %d\n", millis(ts), strconv.FormatFloat(value, 'g', -1, 64), step)
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	if artifactPath != "" {
		if err := validKey(artifactPath); err != nil {
			return err
		}
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, "artifacts", filepath.FromSlash(artifactPath), filepath.Base(localPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(localPath, dst)
}

func (s *FileStore) UpdateRun(ctx context.Context, runID, status string, end time.Time) error {
	code, ok := statusCodes[status]
	if !ok {
		return fmt.Errorf("unknown run status %q", status)
	}
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "meta.yaml")
	var meta runMeta
	if err := s.readYAML(path, &meta); err != nil {
		return fmt.Errorf("failed to read run meta: %w", err)
	}
	meta.Status = code
	endMs := millis(end)
	meta.EndTime = &endMs
	return writeYAML(path, meta)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
