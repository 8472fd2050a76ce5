// Package tracking records experiments, runs, params, metrics and artifacts
// in an MLflow-compatible store.
package tracking

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"taxi-duration/db/postgres"
	perrors "taxi-duration/pkg/errors"
	"taxi-duration/pkg/platform"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// Backend is a tracking store.
type Backend interface {
	// URI identifies the store.
	URI() string
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
	GetExperimentByName(ctx context.Context, name string) (id string, found bool, err error)
	CreateExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID, runName string, start time.Time) (string, error)
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID, key string, value float64, ts time.Time, step int64) error
	// LogArtifact copies the local file into the run's artifacts under artifactPath.
	LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error
	UpdateRun(ctx context.Context, runID, status string, end time.Time) error
	Close() error
}

// Options configures backends that talk to a server.
type Options struct {
	Client *platform.HTTPClient
	// ArtifactRoot stores artifacts of SQL-backed runs.
	ArtifactRoot string
}

// Open returns the backend for uri:
//
//	http(s)://host:port          MLflow tracking server REST API
//	postgres(ql)://...           SQL store, artifacts under Options.ArtifactRoot
//	file:path, file:///path, or a plain path   local MLflow file store
func Open(ctx context.Context, uri string, opts Options) (Backend, error) {
	scheme := ""
	if u, err := url.Parse(uri); err == nil {
		scheme = strings.ToLower(u.Scheme)
	}
	switch scheme {
	case "http", "https":
		if opts.Client == nil {
			opts.Client = platform.NewHTTPClient(0, 30*time.Second)
		}
		return NewRESTStore(uri, opts.Client), nil
	case "postgres", "postgresql":
		root := opts.ArtifactRoot
		if root == "" {
			root = "./mlartifacts"
		}
		store, err := postgres.Open(ctx, &postgres.Config{DSN: uri, ArtifactRoot: root})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "", "file":
		return newFileBackend(uri)
	default:
		if len(scheme) == 1 {
			// windows drive letter
			return newFileBackend(uri)
		}
		return nil, perrors.New(perrors.KindConfig, "tracking open", "uri "+uri,
			fmt.Errorf("unsupported tracking URI scheme %q", scheme))
	}
}

func newFileBackend(uri string) (Backend, error) {
	store, err := NewFileStore(uri)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// millis converts t to epoch milliseconds as MLflow stores it.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}
