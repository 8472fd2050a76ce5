// taxiduration trains the NYC taxi trip duration model.
//
// Usage:
//
//	taxiduration [--year 2023] [--month 1] [--config config.yaml]
//	taxiduration train --year 2023 --month 1 --config config.yaml
//	taxiduration config check --config config.yaml
//	taxiduration serve --addr :8080 --config config.yaml
//
// Exit status:
//
//	2  invalid or missing configuration
//	3  training data could not be loaded
//	4  data failed validation
//	5  tracking store unusable
//	1  anything else
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"taxi-duration/api"
	"taxi-duration/decision/artifacts"
	"taxi-duration/decision/pipeline"
	"taxi-duration/pkg/config"
	perrors "taxi-duration/pkg/errors"
	"taxi-duration/pkg/period"
	"taxi-duration/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const rule = "======================================================================"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "taxiduration",
		Usage:   "NYC taxi trip duration training pipeline (YAML config)",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags:  append(logFlags(), runFlags()...),
		Action: runTrain,
		Commands: []*cli.Command{
			trainCommand(),
			configCommand(),
			serveCommand(),
			versionCommand(),
		},
	}
}

// exitCode maps a failure to the process exit status.
func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	switch perrors.KindOf(err) {
	case perrors.KindConfig:
		return 2
	case perrors.KindDataSource:
		return 3
	case perrors.KindValidation:
		return 4
	case perrors.KindTracking, perrors.KindConnectivity:
		return 5
	default:
		return 1
	}
}

// =============================================================================
// FLAGS
// =============================================================================

// logFlags and runFlags are accepted both before and after the command
// name, so each command gets its own copies.
func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			EnvVars: []string{"TAXI_LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    "log-json",
			Usage:   "Emit JSON log lines instead of console output",
			EnvVars: []string{"TAXI_LOG_JSON"},
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yaml",
		Usage:   "Path to config YAML file",
		EnvVars: []string{"TAXI_CONFIG"},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		configFlag(),
		&cli.IntFlag{
			Name:  "year",
			Value: 2023,
			Usage: "Year of training data",
		},
		&cli.IntFlag{
			Name:  "month",
			Value: 1,
			Usage: "Month of training data",
		},
	}
}

// flagValue returns name from the innermost command that set it, falling
// back to the default.
func flagValue[T any](c *cli.Context, name string, get func(*cli.Context, string) T) T {
	for _, ctx := range c.Lineage() {
		if ctx.IsSet(name) {
			return get(ctx, name)
		}
	}
	return get(c, name)
}

func newLogger(c *cli.Context) zerolog.Logger {
	level := flagValue(c, "log-level", (*cli.Context).String)
	return platform.InitLogger(level, !flagValue(c, "log-json", (*cli.Context).Bool))
}

func loadConfig(logger zerolog.Logger, path string) (*config.PipelineConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error().Err(err).Str("config", path).Msg("Failed to load config")
	}
	if errors.Is(err, fs.ErrNotExist) {
		msg := fmt.Sprintf("Config file not found: %s\nMake sure config.yaml exists in the current directory or pass --config", path)
		return nil, cli.Exit(msg, 2)
	}
	return cfg, err
}

// =============================================================================
// TRAIN COMMAND
// =============================================================================

func trainCommand() *cli.Command {
	return &cli.Command{
		Name:   "train",
		Usage:  "Train on one month and validate on the next",
		Flags:  append(logFlags(), runFlags()...),
		Action: runTrain,
	}
}

func runTrain(c *cli.Context) error {
	logger := newLogger(c)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flagValue(c, "config", (*cli.Context).String)
	p, err := period.New(flagValue(c, "year", (*cli.Context).Int), flagValue(c, "month", (*cli.Context).Int))
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(rule)
	fmt.Println("NYC Taxi Duration Prediction - YAML Config Pipeline")
	fmt.Println(rule)
	fmt.Printf("Config File:     %s\n", configPath)
	fmt.Printf("Training Period: %s\n", p.Label())
	fmt.Printf("Version:         %s\n", artifacts.Version)
	fmt.Println(rule)
	fmt.Println()

	cfg, err := loadConfig(logger, configPath)
	if err != nil {
		return err
	}
	if uri := os.Getenv("MLFLOW_TRACKING_URI"); uri != "" {
		logger.Info().Str("uri", uri).Msg("Tracking URI overridden by MLFLOW_TRACKING_URI")
		cfg = cfg.WithTrackingURI(uri)
	}

	res, err := pipeline.Run(ctx, cfg, p, pipeline.Options{ConfigPath: configPath, Logger: logger})
	if err != nil {
		logger.Error().Err(err).Msg("Pipeline failed")
		return err
	}

	m := res.Model
	fmt.Println()
	fmt.Println(rule)
	fmt.Println("YAML-Config Pipeline Completed Successfully")
	fmt.Println(rule)
	fmt.Printf("RMSE:             %s minutes\n", artifacts.Fixed(m.RMSE, 4))
	fmt.Printf("Run ID:           %s\n", m.RunID)
	fmt.Printf("Best Iteration:   %d/%d\n", m.BestIteration, m.NumBoostRounds)
	fmt.Printf("Tracking URI:     %s\n", res.TrackingURI)
	fmt.Printf("Quality Gate:     %s\n", res.Gate.Decision)
	if len(res.ArtifactErrors) > 0 {
		fmt.Printf("Artifact uploads: %d failed (see logs)\n", len(res.ArtifactErrors))
	}
	fmt.Println(rule)
	fmt.Println()

	if err := os.WriteFile(cfg.RunIDFile(), []byte(m.RunID), 0o644); err != nil {
		return fmt.Errorf("failed to write run id file: %w", err)
	}
	return nil
}

// =============================================================================
// CONFIG COMMAND
// =============================================================================

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration utilities",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Validate a config file and print the resolved settings",
				Flags: append(logFlags(), configFlag()),
				Action: func(c *cli.Context) error {
					path := flagValue(c, "config", (*cli.Context).String)
					cfg, err := loadConfig(newLogger(c), path)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, cfg.Summary())
					fmt.Fprintf(c.App.Writer, "valid: %s\n", path)
					return nil
				},
			},
		},
	}
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the run artifacts over HTTP",
		Flags: append(logFlags(), configFlag(),
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Usage:   "Listen address",
				EnvVars: []string{"TAXI_SERVE_ADDR"},
			},
		),
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger := newLogger(c)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(logger, flagValue(c, "config", (*cli.Context).String))
	if err != nil {
		return err
	}
	serverCfg := api.DefaultConfig()
	serverCfg.Addr = c.String("addr")
	serverCfg.ArtifactsDir = cfg.ArtifactsDir()
	serverCfg.RunIDFile = cfg.RunIDFile()
	serverCfg.Version = c.App.Version
	return api.NewServer(serverCfg, logger).Start(ctx)
}

// =============================================================================
// VERSION COMMAND
// =============================================================================

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Println(strings.Join([]string{c.App.Name, c.App.Version}, " "))
			return nil
		},
	}
}
