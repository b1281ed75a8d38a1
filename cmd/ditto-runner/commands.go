package main

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terrpan/ditto-runner/internal/config"
	"github.com/terrpan/ditto-runner/internal/output"
)

// Output names read by later workflow steps.
const (
	outputLabel      = "label"
	outputInstanceID = "ec2-instance-id"
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch a runner instance and wait until it is running",
		Long: `start launches one instance whose first-boot script registers a
GitHub Actions runner, then waits for the instance to be running.

The label and instance id are printed as key=value lines and appended to
$GITHUB_OUTPUT when set.  They are published whenever an instance was
launched, so a failed wait still leaves an id for "stop".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			s, err := newSession(ctx, config.OpStart)
			if err != nil {
				return err
			}
			defer s.close()

			label := s.cfg.Runner.Label
			if label == "" {
				label = uuid.NewString()[:8]
				s.logger.Info("generated runner label", slog.String("label", label))
			}

			id, err := s.controller.Start(ctx, s.cfg.GitHub.RegistrationToken, label)
			if id != "" {
				out := output.FromEnv()
				if oErr := out.Set(outputLabel, label); oErr != nil {
					return oErr
				}
				if oErr := out.Set(outputInstanceID, id); oErr != nil {
					return oErr
				}
			}
			if err != nil {
				return fmt.Errorf("starting runner: %w", err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flagOverrides.GitHub.RegistrationToken, "token", "", "Runner registration token")
	f.StringVar(&flagOverrides.Runner.Label, "label", "", "Runner label (generated when empty)")
	return cmd
}

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Terminate the configured runner instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			s, err := newSession(ctx, config.OpStop)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.controller.Terminate(ctx, s.cfg.Engine.InstanceID); err != nil {
				return fmt.Errorf("terminating runner: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagOverrides.Engine.InstanceID, "instance-id", "", "Instance to terminate")
	return cmd
}

func waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <instance-id>",
		Short: "Wait until an instance is running",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			if len(args) == 1 {
				flagOverrides.Engine.InstanceID = args[0]
			}

			s, err := newSession(ctx, config.OpWait)
			if err != nil {
				return err
			}
			defer s.close()

			return s.controller.AwaitRunning(ctx, s.cfg.Engine.InstanceID)
		},
	}
}
