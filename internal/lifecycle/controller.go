// Package lifecycle drives a single ephemeral runner through its states
// on any compute backend:
//
//	absent -> launched -> running -> terminated
//
// Transitions are caller driven and never enforced.  Nothing is retried
// and nothing is rolled back: when AwaitRunning fails the launched
// instance stays up until the caller terminates it.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ditto-runner/internal/engine"
)

// Step names used for the "step" metric attribute.
const (
	StepLaunch    = "launch"
	StepAwait     = "await_running"
	StepTerminate = "terminate"
)

// Config holds the controller's collaborators.
type Config struct {
	Engine engine.Engine
	Logger *slog.Logger

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Controller is safe for concurrent use; it holds no per-runner state.
type Controller struct {
	engine engine.Engine
	logger *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersLaunched       metric.Int64Counter
	runnersRunning        metric.Int64Counter
	runnersTerminated     metric.Int64Counter
	stepFailures          metric.Int64Counter
	runnerStartupDuration metric.Float64Histogram
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	c := &Controller{
		engine: cfg.Engine,
		logger: cfg.Logger,
		tracer: otel.Tracer("ditto-runner/lifecycle"),
		meter:  cfg.MeterProvider.Meter("ditto-runner/lifecycle"),
	}

	// Instrument errors are logged but not fatal.
	var err error
	c.runnersLaunched, err = c.meter.Int64Counter(
		"ditto.runners.launched",
		metric.WithDescription("Total number of runner instances launched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersLaunched counter", slog.String("error", err.Error()))
	}

	c.runnersRunning, err = c.meter.Int64Counter(
		"ditto.runners.running",
		metric.WithDescription("Total number of runner instances that reached the running state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersRunning counter", slog.String("error", err.Error()))
	}

	c.runnersTerminated, err = c.meter.Int64Counter(
		"ditto.runners.terminated",
		metric.WithDescription("Total number of runner instances terminated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersTerminated counter", slog.String("error", err.Error()))
	}

	c.stepFailures, err = c.meter.Int64Counter(
		"ditto.runners.failures",
		metric.WithDescription("Total number of failed lifecycle steps"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stepFailures counter", slog.String("error", err.Error()))
	}

	c.runnerStartupDuration, err = c.meter.Float64Histogram(
		"ditto.runner.startup.duration",
		metric.WithDescription("Time from launch request to running instance (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnerStartupDuration histogram", slog.String("error", err.Error()))
	}

	return c
}

// Start launches a runner and waits for it to be running.  When the wait
// fails the instance id is returned alongside the error; the instance is
// left for the caller to terminate.
func (c *Controller) Start(ctx context.Context, token, label string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Start")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", label))
	started := time.Now()

	id, err := c.Launch(ctx, token, label)
	if err != nil {
		return "", fail(span, err)
	}
	span.SetAttributes(attribute.String("runner.instance_id", id))

	if err := c.AwaitRunning(ctx, id); err != nil {
		return id, fail(span, err)
	}

	elapsed := time.Since(started)
	if c.runnerStartupDuration != nil {
		c.runnerStartupDuration.Record(ctx, elapsed.Seconds())
	}
	c.logger.Info("runner ready",
		slog.String("label", label),
		slog.String("instance_id", id),
		slog.Duration("elapsed", elapsed),
	)
	return id, nil
}

// Launch provisions one runner instance.
func (c *Controller) Launch(ctx context.Context, token, label string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Launch")
	defer span.End()

	span.SetAttributes(attribute.String("runner.label", label))

	id, err := c.engine.Launch(ctx, token, label)
	if err != nil {
		c.failed(ctx, StepLaunch)
		return "", fail(span, err)
	}

	span.SetAttributes(attribute.String("runner.instance_id", id))
	if c.runnersLaunched != nil {
		c.runnersLaunched.Add(ctx, 1)
	}
	return id, nil
}

// AwaitRunning blocks until the instance is running or the engine gives up.
func (c *Controller) AwaitRunning(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.AwaitRunning")
	defer span.End()

	span.SetAttributes(attribute.String("runner.instance_id", id))

	if err := c.engine.AwaitRunning(ctx, id); err != nil {
		c.failed(ctx, StepAwait)
		return fail(span, err)
	}

	if c.runnersRunning != nil {
		c.runnersRunning.Add(ctx, 1)
	}
	return nil
}

// Terminate destroys the instance.
func (c *Controller) Terminate(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Terminate")
	defer span.End()

	span.SetAttributes(attribute.String("runner.instance_id", id))

	if err := c.engine.Terminate(ctx, id); err != nil {
		c.failed(ctx, StepTerminate)
		return fail(span, err)
	}

	if c.runnersTerminated != nil {
		c.runnersTerminated.Add(ctx, 1)
	}
	return nil
}

func (c *Controller) failed(ctx context.Context, step string) {
	if c.stepFailures != nil {
		c.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
