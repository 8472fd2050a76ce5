package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	perrors "taxi-duration/pkg/errors"
)

// testApp returns the CLI with output captured and process exits disabled.
func testApp(out io.Writer) *cli.App {
	app := newApp()
	app.Writer = out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	doc := fmt.Sprintf(`
mlflow:
  tracking_uri: %q
  experiment_name: nyc-taxi-experiment
data:
  base_url: %q
  file_pattern: green_tripdata_{year}-{month:02d}.csv
  min_duration: 1
  max_duration: 60
  categorical_features: [PULocationID, DOLocationID]
  numerical_features: [trip_distance]
model:
  params:
    learning_rate: 0.3
    max_depth: 4
    seed: 42
  num_boost_round: 10
  early_stopping_rounds: 3
output:
  models_dir: %q
  preprocessor_filename: preprocessor.b
  artifacts_dir: %q
  run_id_file: %q
retry:
  retries: 0
  retry_delay_seconds: 0
`, filepath.Join(dir, "mlruns"), filepath.Join(dir, "data"), filepath.Join(dir, "models"),
		filepath.Join(dir, "artifacts"), filepath.Join(dir, "run_id.txt"))
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeMonth(t *testing.T, dir string, year, month, n int) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("lpep_pickup_datetime,lpep_dropoff_datetime,PULocationID,DOLocationID,trip_distance\n")
	start := time.Date(year, time.Month(month), 1, 6, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		dist := float64(i%10) + 0.5
		pickup := start.Add(time.Duration(i) * 17 * time.Minute)
		dropoff := pickup.Add(time.Duration((3*dist + 2) * float64(time.Minute)))
		fmt.Fprintf(&sb, "%s,%s,%d,%d,%.1f\n",
			pickup.Format("2006-01-02 15:04:05"), dropoff.Format("2006-01-02 15:04:05"), 40+i%5, 130-i%3, dist)
	}
	name := fmt.Sprintf("green_tripdata_%04d-%02d.csv", year, month)
	if err := os.WriteFile(filepath.Join(dir, "data", name), []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigCheckFlagPlacement(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"after subcommand", []string{"taxiduration", "config", "check", "--config", path}},
		{"short alias", []string{"taxiduration", "config", "check", "-c", path, "--log-level", "error"}},
		{"before command", []string{"taxiduration", "--config", path, "config", "check"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := testApp(&out).Run(tt.args); err != nil {
				t.Fatalf("Run(%v): %v", tt.args, err)
			}
			if !strings.Contains(out.String(), "valid: "+path) {
				t.Errorf("output = %q", out.String())
			}
		})
	}
}

func TestConfigCheckMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	err := testApp(io.Discard).Run([]string{"taxiduration", "config", "check", "--config", missing})
	if err == nil {
		t.Fatal("expected error")
	}
	if exitCode(err) != 2 || !strings.Contains(err.Error(), missing) {
		t.Errorf("err = %v (exit %d), want exit 2 naming the file", err, exitCode(err))
	}
}

func TestConfigCheckInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mlflow: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := testApp(io.Discard).Run([]string{"taxiduration", "config", "check", "--config", path})
	if perrors.KindOf(err) != perrors.KindConfig || exitCode(err) != 2 {
		t.Errorf("err = %v (exit %d), want config error", err, exitCode(err))
	}
}

func TestTrainSubcommandFlags(t *testing.T) {
	t.Setenv("MLFLOW_TRACKING_URI", "")
	dir := t.TempDir()
	path := writeConfig(t, dir)
	writeMonth(t, dir, 2022, 3, 80)
	writeMonth(t, dir, 2022, 4, 80)

	args := []string{"taxiduration", "train", "--year", "2022", "--month", "3", "--config", path, "--log-level", "error"}
	if err := testApp(io.Discard).Run(args); err != nil {
		t.Fatal(err)
	}
	id, err := os.ReadFile(filepath.Join(dir, "run_id.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(bytes.TrimSpace(id)) == 0 {
		t.Error("empty run id file")
	}
}

func TestTrainMissingDataExitCode(t *testing.T) {
	t.Setenv("MLFLOW_TRACKING_URI", "")
	dir := t.TempDir()
	path := writeConfig(t, dir)

	args := []string{"taxiduration", "train", "--year", "2022", "--month", "5", "--config", path, "--log-level", "error"}
	err := testApp(io.Discard).Run(args)
	if err == nil {
		t.Fatal("expected error")
	}
	if exitCode(err) != 3 {
		t.Errorf("exit = %d, want 3 (data source): %v", exitCode(err), err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exit coder", cli.Exit("missing", 2), 2},
		{"config", perrors.New(perrors.KindConfig, "parse config", "", errors.New("bad")), 2},
		{"data source", perrors.New(perrors.KindDataSource, "load", "fetch", errors.New("404")), 3},
		{"validation", &perrors.MissingColumnsError{Columns: []string{"trip_distance"}}, 4},
		{"tracking", perrors.Wrap(perrors.KindTracking, "start run", errors.New("down")), 5},
		{"wrapped connectivity", fmt.Errorf("setup: %w", perrors.Wrap(perrors.KindConnectivity, "connect", errors.New("refused"))), 5},
		{"plain", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
