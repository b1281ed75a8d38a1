// Package docker implements the engine.Engine interface using the local
// Docker daemon.  Each runner is a container that executes the same
// first-boot script as a cloud instance, which makes it useful for dry
// runs of the bootstrap without paying for a VM.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ditto-runner/internal/engine"
	"github.com/terrpan/ditto-runner/internal/userdata"
)

const (
	defaultImage        = "ghcr.io/actions/actions-runner:latest"
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 30
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Dind bind-mounts the host's Docker socket into each runner
	// container so workflows can run docker commands.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.
	Dind bool

	// Labels are set on every runner container.
	Labels map[string]string

	// Script configures the bootstrap script run as the container command.
	Script userdata.Options

	// PollInterval and MaxAttempts bound AwaitRunning.  Zero values use
	// 1s and 30 attempts.
	PollInterval time.Duration
	MaxAttempts  int
}

// dockerAPI is the subset of the Docker client the engine calls.
// *dockerclient.Client satisfies it.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Engine manages GitHub Actions runners as Docker containers.
type Engine struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon and pulls the
// runner image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	e := newEngine(client, cfg, logger)
	if err := e.pull(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(client dockerAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ditto-runner/engine/docker"),
	}
}

func (e *Engine) pull(ctx context.Context) error {
	e.logger.Info("pulling runner image", slog.String("image", e.cfg.Image))

	pull, err := e.client.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", e.cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		_ = pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	e.logger.Info("runner image ready", slog.String("image", e.cfg.Image))
	return nil
}

// Launch creates and starts one container running the bootstrap script as
// root.  The container id is returned.
func (e *Engine) Launch(ctx context.Context, token, label string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Launch")
	defer span.End()

	name := engine.InstanceName(label)
	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("docker.container_name", name),
		attribute.String("docker.image", e.cfg.Image),
	)

	lines, err := userdata.Build(token, label, e.cfg.Script)
	if err != nil {
		return "", fail(span, fmt.Errorf("building bootstrap script: %w", err))
	}

	// config.sh refuses to run as root unless told otherwise.
	env := []string{"RUNNER_ALLOW_RUNASROOT=1"}

	var hostCfg *container.HostConfig
	if e.cfg.Dind {
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock")
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
		e.logger.Info("dind enabled: mounting docker socket", slog.String("name", name))
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:      e.cfg.Image,
			User:       "root",
			Entrypoint: []string{"/bin/bash", "-c"},
			Cmd:        []string{userdata.Script(lines)},
			Env:        env,
			Labels:     e.cfg.Labels,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		e.logger.Error("container create failed", slog.String("name", name), slog.String("error", err.Error()))
		return "", fail(span, fmt.Errorf("container create %s: %w", name, err))
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		e.logger.Error("container start failed", slog.String("name", name), slog.String("error", err.Error()))
		return "", fail(span, fmt.Errorf("container start %s: %w", name, err))
	}

	span.SetAttributes(attribute.String("docker.container_id", resp.ID))
	e.logger.Info("runner container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)
	return resp.ID, nil
}

// AwaitRunning polls the container state until it is running, has died,
// or MaxAttempts inspections have been made.
func (e *Engine) AwaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.AwaitRunning")
	defer span.End()

	span.SetAttributes(attribute.String("docker.container_id", id))

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		info, err := e.client.ContainerInspect(ctx, id)
		if err != nil {
			e.logger.Error("container inspect failed", slog.String("containerID", id), slog.String("error", err.Error()))
			return fail(span, fmt.Errorf("%w: container %s: %w", engine.ErrNotRunning, id, err))
		}

		if info.ContainerJSONBase != nil && info.State != nil {
			st := info.State
			switch {
			case st.Running:
				e.logger.Info("runner container is running", slog.String("containerID", id))
				return nil
			case st.OOMKilled:
				return fail(span, fmt.Errorf("%w: container %s was OOM killed", engine.ErrNotRunning, id))
			case st.Dead, string(st.Status) == "exited":
				return fail(span, fmt.Errorf("%w: container %s exited with code %d", engine.ErrNotRunning, id, st.ExitCode))
			}
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fail(span, fmt.Errorf("%w: container %s: %w", engine.ErrNotRunning, id, ctx.Err()))
		case <-time.After(e.cfg.PollInterval):
		}
	}

	return fail(span, fmt.Errorf("%w: container %s not running after %d attempts",
		engine.ErrNotRunning, id, e.cfg.MaxAttempts))
}

// Terminate force-removes the container, permanently destroying the
// ephemeral runner.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Terminate")
	defer span.End()

	span.SetAttributes(attribute.String("docker.container_id", id))
	e.logger.Info("removing runner container", slog.String("containerID", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Error("container remove failed", slog.String("containerID", id), slog.String("error", err.Error()))
		return fail(span, fmt.Errorf("%w: container %s: %w", engine.ErrTerminate, id, err))
	}
	return nil
}

// Close releases the daemon connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
