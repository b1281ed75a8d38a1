package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/ditto-runner/internal/buildinfo"
	"github.com/terrpan/ditto-runner/internal/config"
	"github.com/terrpan/ditto-runner/internal/lifecycle"
	"github.com/terrpan/ditto-runner/internal/otel"
)

const serviceName = "ditto-runner"

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ditto-runner",
	Short: "On-demand ephemeral GitHub Actions runners for system tests",
	Long: `ditto-runner launches a single self-hosted GitHub Actions runner on a
fresh compute instance (EC2 by default, GCP or Docker optionally), waits
for it to come up, and terminates it when the tests are done.

Configuration is read from a YAML file (--config), falls back to the
GitHub Actions environment, and can be overridden by CLI flags.`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "ditto-runner.yaml", "Path to YAML configuration file")

	// Engine overrides
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (ec2, gcp, docker)")
	f.StringVar(&flagOverrides.Engine.EC2.Region, "region", "", "AWS region")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(startCmd(), stopCmd(), waitCmd(), versionCmd())
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.RegistrationToken != "" {
		cfg.GitHub.RegistrationToken = flagOverrides.GitHub.RegistrationToken
	}
	if flagOverrides.Runner.Label != "" {
		cfg.Runner.Label = flagOverrides.Runner.Label
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Engine.InstanceID != "" {
		cfg.Engine.InstanceID = flagOverrides.Engine.InstanceID
	}
	if flagOverrides.Engine.EC2.Region != "" {
		cfg.Engine.EC2.Region = flagOverrides.Engine.EC2.Region
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// session is everything a lifecycle command needs.
type session struct {
	cfg        *config.Config
	logger     *slog.Logger
	controller *lifecycle.Controller
	close      func()
}

// newSession loads and validates configuration for op, then wires
// telemetry, the engine and the controller.  close must be called once
// the command is done so telemetry is flushed.
func newSession(ctx context.Context, op config.Operation) (*session, error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(op); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Telemetry (before the logger, which bridges into it)
	// ---------------------------------------------------------------
	shutdownOTel, err := otel.SetupOTelSDK(ctx, serviceName, otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PushgatewayURL: cfg.OTel.PushgatewayURL,
		PushgatewayJob: cfg.OTel.PushgatewayJob,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	// ---------------------------------------------------------------
	// 3. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("operation", string(op)),
		slog.String("engine", cfg.Engine.Type),
	)

	// ---------------------------------------------------------------
	// 4. Initialize compute engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		_ = shutdownOTel(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("initializing engine: %w", err)
	}

	s := &session{
		cfg:    cfg,
		logger: logger,
		controller: lifecycle.New(lifecycle.Config{
			Engine: eng,
			Logger: logger.WithGroup("lifecycle"),
		}),
	}
	s.close = func() {
		if c, ok := eng.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("closing engine", slog.String("error", err.Error()))
			}
		}

		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
	return s, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}
