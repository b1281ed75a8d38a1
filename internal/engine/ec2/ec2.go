// Package ec2 implements the engine.Engine interface on Amazon EC2.  Each
// runner is a single instance launched into the account's default subnet
// and bootstrapped by a user-data script.
//
// Authentication uses the default AWS credential chain (environment,
// shared config, instance role).  No credential fields exist in Config.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ditto-runner/internal/buildinfo"
	"github.com/terrpan/ditto-runner/internal/engine"
	"github.com/terrpan/ditto-runner/internal/userdata"
)

const (
	// Same budget as the EC2 "instanceRunning" waiter in the JS SDK:
	// 40 attempts, 15 seconds apart.
	defaultPollInterval = 15 * time.Second
	defaultMaxAttempts  = 40
)

// API is the subset of the EC2 client the engine calls.  *ec2.Client
// satisfies it.
type API interface {
	ec2.DescribeInstancesAPIClient
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Config holds EC2-specific engine settings.
type Config struct {
	// Region overrides the region from the AWS environment (optional).
	Region string

	// ImageID is the AMI to launch (required).
	ImageID string

	// InstanceType is the EC2 instance type, e.g. "t3.medium" (required).
	InstanceType string

	// IAMRoleName is the instance profile attached to the runner.
	IAMRoleName string

	// Tags are applied to the instance and its volumes.
	Tags []types.Tag

	// Script configures the first-boot script.
	Script userdata.Options

	// PollInterval and MaxAttempts bound AwaitRunning.  Zero values use
	// 15s and 40 attempts.
	PollInterval time.Duration
	MaxAttempts  int
}

// Engine manages GitHub Actions runners as EC2 instances.
type Engine struct {
	client API
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine from the default AWS configuration.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithAppID(buildinfo.AppID()),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	logger.Info("ec2 engine initialized",
		slog.String("region", awsCfg.Region),
		slog.String("image_id", cfg.ImageID),
		slog.String("instance_type", cfg.InstanceType),
	)

	return newEngine(ec2.NewFromConfig(awsCfg), cfg, logger), nil
}

func newEngine(client API, cfg Config, logger *slog.Logger) *Engine {
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
		tracer: otel.Tracer("ditto-runner/engine/ec2"),
	}
}

// Launch builds the user-data script, resolves placement and starts one
// instance.  A failed call is never retried, and a retried Launch starts a
// second instance.
func (e *Engine) Launch(ctx context.Context, token, label string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Launch")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("ec2.image_id", e.cfg.ImageID),
		attribute.String("ec2.instance_type", e.cfg.InstanceType),
	)

	if e.cfg.Script.Preinstalled() {
		e.logger.Info("using pre-installed runner", slog.String("home_dir", e.cfg.Script.RunnerHomeDir))
	} else {
		e.logger.Info("runner will be downloaded", slog.String("version", userdata.RunnerVersion))
	}

	lines, err := userdata.Build(token, label, e.cfg.Script)
	if err != nil {
		return "", fail(span, fmt.Errorf("building user data: %w", err))
	}

	placement, err := e.ResolvePlacement(ctx)
	if err != nil {
		e.logger.Error("ec2 instance launch failed", slog.String("error", err.Error()))
		return "", fail(span, err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(e.cfg.ImageID),
		InstanceType:      types.InstanceType(e.cfg.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		UserData:          aws.String(userdata.Encode(lines)),
		SubnetId:          aws.String(placement.SubnetID),
		SecurityGroupIds:  []string{placement.SecurityGroupID},
		TagSpecifications: e.tagSpecifications(),
	}
	if e.cfg.IAMRoleName != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(e.cfg.IAMRoleName),
		}
	}

	result, err := e.client.RunInstances(ctx, input)
	if err != nil {
		e.logProviderError("ec2 instance launch failed", err)
		return "", fail(span, fmt.Errorf("run instances: %w", err))
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", fail(span, fmt.Errorf("run instances: no instance returned"))
	}

	id := aws.ToString(result.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("ec2.instance_id", id))

	e.logger.Info("ec2 instance started", slog.String("instance_id", id))
	return id, nil
}

// AwaitRunning blocks on the SDK's InstanceRunning waiter with a fixed
// interval and attempt ceiling.
func (e *Engine) AwaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.AwaitRunning")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.instance_id", id))

	waiter := ec2.NewInstanceRunningWaiter(e.client, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = e.cfg.PollInterval
		o.MaxDelay = e.cfg.PollInterval
	})

	maxWait := e.cfg.PollInterval * time.Duration(e.cfg.MaxAttempts)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, maxWait)
	if err != nil {
		e.logProviderError("ec2 instance initialization failed", err, slog.String("instance_id", id))
		return fail(span, fmt.Errorf("%w: instance %s: %w", engine.ErrNotRunning, id, err))
	}

	e.logger.Info("ec2 instance is up and running", slog.String("instance_id", id))
	return nil
}

// Terminate issues a single TerminateInstances request for id.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Terminate")
	defer span.End()

	span.SetAttributes(attribute.String("ec2.instance_id", id))

	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		e.logProviderError("ec2 instance termination failed", err, slog.String("instance_id", id))
		return fail(span, fmt.Errorf("%w: instance %s: %w", engine.ErrTerminate, id, err))
	}

	e.logger.Info("ec2 instance terminated", slog.String("instance_id", id))
	return nil
}

// tagSpecifications applies the configured tags to the instance and its
// volumes, or returns nil when no tags are configured.
func (e *Engine) tagSpecifications() []types.TagSpecification {
	if len(e.cfg.Tags) == 0 {
		return nil
	}
	return []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: e.cfg.Tags},
		{ResourceType: types.ResourceTypeVolume, Tags: e.cfg.Tags},
	}
}

func (e *Engine) logProviderError(msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.String("error", err.Error()))

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		attrs = append(attrs, slog.String("code", apiErr.ErrorCode()))
	}
	e.logger.Error(msg, attrs...)
}

// fail records err on span and returns it unchanged.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
