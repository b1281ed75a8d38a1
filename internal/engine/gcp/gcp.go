// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine.  Each runner is a VM whose startup-script metadata
// installs and registers the runner.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/ditto-runner/internal/engine"
	"github.com/terrpan/ditto-runner/internal/userdata"
)

const (
	// NetworkTag is attached to every runner VM so the ssh/http firewall
	// rule applies, mirroring the ssh_http security group on EC2.
	NetworkTag = "ssh-http"

	startupScriptKey = "startup-script"

	defaultPollInterval = 15 * time.Second
	defaultMaxAttempts  = 40
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	// Examples:
	//   "projects/my-project/global/images/ditto-runner-1234567890"
	//   "projects/my-project/global/images/family/ditto-runner"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string

	// Labels are applied to the VM after being slugged into valid label
	// keys and values.
	Labels map[string]string

	// Script configures the startup script.
	Script userdata.Options

	// PollInterval and MaxAttempts bound AwaitRunning.
	PollInterval time.Duration
	MaxAttempts  int
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the instances client the engine calls.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	client *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.client.Get(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Close() error {
	return r.client.Close()
}

// Engine manages GitHub Actions runners as GCP Compute Engine VMs.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newEngine(restInstances{client: client}, cfg, logger), nil
}

func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
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
		tracer: otel.Tracer("ditto-runner/engine/gcp"),
	}
}

// Launch creates one VM whose startup script registers a runner with
// token under label, and waits for the insert operation.  The instance
// name is the returned id.
func (e *Engine) Launch(ctx context.Context, token, label string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Launch")
	defer span.End()

	name := engine.InstanceName(label)
	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	lines, err := userdata.Build(token, label, e.cfg.Script)
	if err != nil {
		return "", fail(span, fmt.Errorf("building startup script: %w", err))
	}

	e.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
		slog.Bool("preinstalled", e.cfg.Script.Preinstalled()),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: e.instanceResource(name, userdata.Script(lines)),
	})
	if err != nil {
		e.logger.Error("runner VM insert failed", slog.String("name", name), slog.String("error", err.Error()))
		return "", fail(span, fmt.Errorf("insert instance %s: %w", name, err))
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		e.logger.Error("runner VM insert failed", slog.String("name", name), slog.String("error", err.Error()))
		return "", fail(span, fmt.Errorf("waiting for instance %s: %w", name, err))
	}

	e.logger.Info("runner VM created", slog.String("name", name))
	return name, nil
}

// AwaitRunning polls the VM status at a fixed interval until it is
// RUNNING, a terminal state is seen, or MaxAttempts polls have been made.
func (e *Engine) AwaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.AwaitRunning")
	defer span.End()

	span.SetAttributes(attribute.String("gcp.instance_name", id))

	var status string
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		inst, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  e.cfg.Project,
			Zone:     e.cfg.Zone,
			Instance: id,
		})
		if err != nil {
			e.logger.Error("runner VM status check failed", slog.String("name", id), slog.String("error", err.Error()))
			return fail(span, fmt.Errorf("%w: instance %s: %w", engine.ErrNotRunning, id, err))
		}

		status = inst.GetStatus()
		switch status {
		case "RUNNING":
			span.SetAttributes(attribute.Int("gcp.wait_attempts", attempt))
			e.logger.Info("runner VM is up and running", slog.String("name", id))
			return nil
		case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
			return fail(span, fmt.Errorf("%w: instance %s is %s", engine.ErrNotRunning, id, status))
		}

		e.logger.Debug("runner VM not running yet",
			slog.String("name", id),
			slog.String("status", status),
			slog.Int("attempt", attempt),
		)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fail(span, fmt.Errorf("%w: instance %s: %w", engine.ErrNotRunning, id, ctx.Err()))
		case <-time.After(e.cfg.PollInterval):
		}
	}

	return fail(span, fmt.Errorf("%w: instance %s still %s after %d attempts",
		engine.ErrNotRunning, id, status, e.cfg.MaxAttempts))
}

// Terminate deletes the VM and waits for the delete operation.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("deleting runner VM", slog.String("name", id))

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	if err != nil {
		e.logger.Error("runner VM delete failed", slog.String("name", id), slog.String("error", err.Error()))
		return fail(span, fmt.Errorf("%w: instance %s: %w", engine.ErrTerminate, id, err))
	}

	e.logger.Info("runner VM deleted", slog.String("name", id))
	return nil
}

// Close releases the API client.
func (e *Engine) Close() error {
	return e.client.Close()
}

func (e *Engine) instanceResource(name, script string) *computepb.Instance {
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Tags:              &computepb.Tags{Items: []string{NetworkTag}},
		Labels:            labels(e.cfg.Labels),
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String(startupScriptKey),
					Value: proto.String(script),
				},
			},
		},
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	return instance
}

// labels slugs keys and values into the character set GCE accepts.
func labels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[slug.Make(k)] = slug.Make(v)
	}
	return out
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
