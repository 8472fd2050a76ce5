// Package postgres provides a PostgreSQL-backed tracking store. Experiments,
// runs, params and metrics live in tables; artifacts are copied under a
// local artifact root.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	DSN          string
	ArtifactRoot string
	MaxOpenConns int
}

// Store is the SQL tracking store
type Store struct {
	db  *sql.DB
	cfg *Config
}

// Open connects and migrates the schema
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	s := &Store{db: db, cfg: cfg}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection pool
func NewWithDB(db *sql.DB, cfg *Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// URI returns the DSN with the password masked
func (s *Store) URI() string {
	return redact(s.cfg.DSN)
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach PostgreSQL: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SCHEMA
// =============================================================================

var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		experiment_id     SERIAL PRIMARY KEY,
		name              TEXT NOT NULL UNIQUE,
		artifact_location TEXT NOT NULL,
		lifecycle_stage   TEXT NOT NULL DEFAULT 'active',
		creation_time     BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_uuid        VARCHAR(32) PRIMARY KEY,
		experiment_id   INTEGER NOT NULL REFERENCES experiments (experiment_id),
		name            TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		start_time      BIGINT NOT NULL,
		end_time        BIGINT,
		artifact_uri    TEXT NOT NULL,
		lifecycle_stage TEXT NOT NULL DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS params (
		run_uuid VARCHAR(32) NOT NULL REFERENCES runs (run_uuid),
		key      TEXT NOT NULL,
		value    TEXT NOT NULL,
		PRIMARY KEY (run_uuid, key)
	)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		run_uuid  VARCHAR(32) NOT NULL REFERENCES runs (run_uuid),
		key       TEXT NOT NULL,
		value     DOUBLE PRECISION NOT NULL,
		timestamp BIGINT NOT NULL,
		step      BIGINT NOT NULL DEFAULT 0
	)`,
}

// Migrate creates the tracking tables when missing
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate tracking schema: %w", err)
		}
	}
	return nil
}

// =============================================================================
// EXPERIMENTS
// =============================================================================

// GetExperimentByName looks up an active experiment
func (s *Store) GetExperimentByName(ctx context.Context, name string) (string, bool, error) {
	query := `
		SELECT experiment_id, lifecycle_stage
		FROM experiments
		WHERE name = $1
	`
	var id int64
	var stage string
	err := s.db.QueryRowContext(ctx, query, name).Scan(&id, &stage)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get experiment: %w", err)
	}
	if stage == "deleted" {
		return "", false, fmt.Errorf("experiment %q is deleted; restore it or choose another name", name)
	}
	return strconv.FormatInt(id, 10), true, nil
}

// CreateExperiment inserts an experiment and returns its id
func (s *Store) CreateExperiment(ctx context.Context, name string) (string, error) {
	query := `
		INSERT INTO experiments (name, artifact_location, creation_time)
		VALUES ($1, '', $2)
		RETURNING experiment_id
	`
	var id int64
	if err := s.db.QueryRowContext(ctx, query, name, time.Now().UnixMilli()).Scan(&id); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", fmt.Errorf("experiment %q already exists", name)
		}
		return "", fmt.Errorf("failed to create experiment: %w", err)
	}

	location := s.experimentDir(strconv.FormatInt(id, 10))
	if _, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET artifact_location = $1 WHERE experiment_id = $2`, location, id); err != nil {
		return "", fmt.Errorf("failed to set artifact location: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// =============================================================================
// RUNS
// =============================================================================

// CreateRun inserts a RUNNING run
func (s *Store) CreateRun(ctx context.Context, experimentID, runName string, start time.Time) (string, error) {
	expID, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid experiment id %q", experimentID)
	}
	runID := strings.ReplaceAll(uuid.New().String(), "-", "")
	query := `
		INSERT INTO runs (run_uuid, experiment_id, name, status, start_time, artifact_uri)
		VALUES ($1, $2, $3, 'RUNNING', $4, $5)
	`
	artifactURI := filepath.Join(s.experimentDir(experimentID), runID, "artifacts")
	if _, err := s.db.ExecContext(ctx, query, runID, expID, runName, start.UnixMilli(), artifactURI); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return runID, nil
}

// UpdateRun sets the status and end time of a run
func (s *Store) UpdateRun(ctx context.Context, runID, status string, end time.Time) error {
	query := `
		UPDATE runs SET status = $1, end_time = $2
		WHERE run_uuid = $3
	`
	res, err := s.db.ExecContext(ctx, query, status, end.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// LogParam records a param. Re-logging the same value is a no-op
func (s *Store) LogParam(ctx context.Context, runID, key, value string) error {
	query := `
		INSERT INTO params (run_uuid, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_uuid, key) DO NOTHING
		RETURNING value
	`
	var stored string
	err := s.db.QueryRowContext(ctx, query, runID, key, value).Scan(&stored)
	if err == sql.ErrNoRows {
		// conflict: compare with the existing value
		if err := s.db.QueryRowContext(ctx,
			`SELECT value FROM params WHERE run_uuid = $1 AND key = $2`, runID, key).Scan(&stored); err != nil {
			return fmt.Errorf("failed to read param %s: %w", key, err)
		}
		if stored != value {
			return fmt.Errorf("param %s already logged with value %q", key, stored)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to log param %s: %w", key, err)
	}
	return nil
}

// LogMetric appends a metric value
func (s *Store) LogMetric(ctx context.Context, runID, key string, value float64, ts time.Time, step int64) error {
	query := `
		INSERT INTO metrics (run_uuid, key, value, timestamp, step)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query, runID, key, value, ts.UnixMilli(), step); err != nil {
		return fmt.Errorf("failed to log metric %s: %w", key, err)
	}
	return nil
}

// LogArtifact copies localPath into the run's artifact directory
func (s *Store) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	var artifactURI string
	err := s.db.QueryRowContext(ctx, `SELECT artifact_uri FROM runs WHERE run_uuid = $1`, runID).Scan(&artifactURI)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if strings.Contains(artifactPath, "..") {
		return fmt.Errorf("invalid artifact path %q", artifactPath)
	}
	dst := filepath.Join(artifactURI, filepath.FromSlash(artifactPath), filepath.Base(localPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	in, err := os.Open(localPath)
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
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return out.Close()
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (s *Store) experimentDir(id string) string {
	root, err := filepath.Abs(s.cfg.ArtifactRoot)
	if err != nil {
		root = s.cfg.ArtifactRoot
	}
	return filepath.Join(root, id)
}

// redact masks the password of a postgres URL or key=value DSN.
func redact(dsn string) string {
	if strings.Contains(dsn, "://") {
		scheme, rest, _ := strings.Cut(dsn, "://")
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			userinfo := rest[:at]
			if user, _, ok := strings.Cut(userinfo, ":"); ok {
				return scheme + "://" + user + ":xxxxx" + rest[at:]
			}
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}
