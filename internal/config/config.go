// Package config handles loading, validating, and applying
// configuration for the ditto runner CLI.  Configuration is read from a
// YAML file, falls back to the GitHub Actions environment, and can be
// overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/ditto-runner/internal/engine"
	"github.com/terrpan/ditto-runner/internal/engine/docker"
	"github.com/terrpan/ditto-runner/internal/engine/ec2"
	"github.com/terrpan/ditto-runner/internal/engine/gcp"
	"github.com/terrpan/ditto-runner/internal/userdata"
)

// Operation is the lifecycle step a command performs.  Required fields
// differ per operation.
type Operation string

const (
	OpStart Operation = "start"
	OpStop  Operation = "stop"
	OpWait  Operation = "wait"
)

// Environment variables consulted when the file and flags leave a field
// empty.  The first two are set by the Actions runtime.
const (
	EnvServerURL         = "GITHUB_SERVER_URL"
	EnvRepository        = "GITHUB_REPOSITORY"
	EnvRegistrationToken = "RUNNER_REGISTRATION_TOKEN"

	defaultServerURL = "https://github.com"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Runner  RunnerConfig  `yaml:"runner"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig describes where the runner registers.
type GitHubConfig struct {
	// URL is the GitHub server URL.  Only its scheme and host are used.
	// Default: $GITHUB_SERVER_URL, then https://github.com.
	URL string `yaml:"url"`

	// Owner and Repo name the repository.  Default: split from
	// $GITHUB_REPOSITORY.
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// RegistrationToken is the short-lived runner registration token.
	// Default: $RUNNER_REGISTRATION_TOKEN.
	RegistrationToken string `yaml:"registration_token"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig controls the first-boot script.
type RunnerConfig struct {
	// Label is the job-affinity label.  The start command generates one
	// when empty.
	Label string `yaml:"label"`

	// HomeDir is the directory of a runner pre-installed in the image.
	// When empty the runner is downloaded at boot.
	HomeDir string `yaml:"home_dir"`

	// PreRunnerScript is shell text run before the runner is configured.
	PreRunnerScript string `yaml:"pre_runner_script"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "ec2" (default), "gcp" or "docker".
	Type string `yaml:"type"`

	// InstanceID is the instance stop and wait act on.
	InstanceID string `yaml:"instance_id"`

	// Tags are applied as EC2 tags, GCE labels or container labels.
	Tags []Tag `yaml:"tags"`

	// EC2 holds EC2 settings.  Only read when Type == "ec2".
	EC2 EC2EngineConfig `yaml:"ec2"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`
}

// Tag is a single resource tag.
type Tag struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// EC2EngineConfig holds EC2 engine settings.  Credentials come from the
// default AWS chain.
type EC2EngineConfig struct {
	// Region overrides AWS_REGION / the shared config (optional).
	Region string `yaml:"region"`

	// ImageID is the AMI id (required for start).
	ImageID string `yaml:"image_id"`

	// InstanceType, e.g. "t3.medium" (required for start).
	InstanceType string `yaml:"instance_type"`

	// IAMRoleName is the instance profile attached to the runner (optional).
	IAMRoleName string `yaml:"iam_role_name"`
}

// GCPEngineConfig holds GCP Compute Engine engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the runner image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from false.
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the service account email attached to runner
	// VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image is the container image for the runner.
	// Default: "ghcr.io/actions/actions-runner:latest"
	Image string `yaml:"image"`

	// Dind bind-mounts the host's Docker socket into each runner container.
	Dind bool `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PushgatewayURL enables a metrics push on exit (optional).
	PushgatewayURL string `yaml:"pushgateway_url"`

	// PushgatewayJob is the push job name.  Default: "ditto-runner".
	PushgatewayJob string `yaml:"pushgateway_job"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flags or the environment before Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills unset fields from the environment and then from
// built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.GitHub.URL == "" {
		c.GitHub.URL = os.Getenv(EnvServerURL)
	}
	if c.GitHub.URL == "" {
		c.GitHub.URL = defaultServerURL
	}
	if c.GitHub.Owner == "" && c.GitHub.Repo == "" {
		if owner, repo, ok := strings.Cut(os.Getenv(EnvRepository), "/"); ok {
			c.GitHub.Owner, c.GitHub.Repo = owner, repo
		}
	}
	if c.GitHub.RegistrationToken == "" {
		c.GitHub.RegistrationToken = os.Getenv(EnvRegistrationToken)
	}

	if c.Engine.Type == "" {
		c.Engine.Type = "ec2"
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.Network == "" {
		c.Engine.GCP.Network = "default"
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "ghcr.io/actions/actions-runner:latest"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.PushgatewayURL != "" && c.OTel.PushgatewayJob == "" {
		c.OTel.PushgatewayJob = "ditto-runner"
	}
}

// Validate applies defaults and checks that every field op needs is
// present and consistent.
func (c *Config) Validate(op Operation) error {
	c.ApplyDefaults()

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (supported: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	switch c.Engine.Type {
	case "ec2", "gcp", "docker":
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: ec2, gcp, docker)", c.Engine.Type)
	}

	switch op {
	case OpStart:
		return c.validateStart()
	case OpStop, OpWait:
		if c.Engine.InstanceID == "" {
			return fmt.Errorf("engine.instance_id is required for %s", op)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func (c *Config) validateStart() error {
	u, err := url.Parse(c.GitHub.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("github.url: invalid URL %q", c.GitHub.URL)
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("github.owner and github.repo are required (or set %s)", EnvRepository)
	}
	if c.GitHub.RegistrationToken == "" {
		return fmt.Errorf("github.registration_token is required (or set %s)", EnvRegistrationToken)
	}
	for i, t := range c.Engine.Tags {
		if strings.TrimSpace(t.Key) == "" {
			return fmt.Errorf("engine.tags[%d].key is empty", i)
		}
	}

	switch c.Engine.Type {
	case "ec2":
		if c.Engine.EC2.ImageID == "" {
			return fmt.Errorf("engine.ec2.image_id is required when engine.type is \"ec2\"")
		}
		if c.Engine.EC2.InstanceType == "" {
			return fmt.Errorf("engine.ec2.instance_type is required when engine.type is \"ec2\"")
		}
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	case "docker":
		if c.Engine.Docker.Image == "" {
			return fmt.Errorf("engine.docker.image is required when engine.type is \"docker\"")
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.  Logs
// go to stderr so stdout carries only command output.  With OpenTelemetry
// enabled every record is also handed to the global OTel logger provider.
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(c.logHandler(os.Stderr))
}

func (c *Config) logHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	var handler slog.Handler
	switch strings.ToLower(c.Logging.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if !c.OTel.Enabled {
		return handler
	}
	return slogmulti.Fanout(handler, otelslog.NewHandler("ditto-runner"))
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ScriptOptions returns the settings the first-boot script is built from.
func (c *Config) ScriptOptions() userdata.Options {
	return userdata.Options{
		RunnerHomeDir:   c.Runner.HomeDir,
		PreRunnerScript: c.Runner.PreRunnerScript,
		GitHubURL:       c.GitHub.URL,
		Owner:           c.GitHub.Owner,
		Repo:            c.GitHub.Repo,
	}
}

// InstanceTags returns the configured tags in EC2 form, or nil when none
// are configured.
func (c *Config) InstanceTags() []types.Tag {
	if len(c.Engine.Tags) == 0 {
		return nil
	}
	tags := make([]types.Tag, len(c.Engine.Tags))
	for i, t := range c.Engine.Tags {
		tags[i] = types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
	}
	return tags
}

// TagMap returns the configured tags as a map; a later duplicate key wins.
func (c *Config) TagMap() map[string]string {
	if len(c.Engine.Tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(c.Engine.Tags))
	for _, t := range c.Engine.Tags {
		m[t.Key] = t.Value
	}
	return m
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "ec2":
		return ec2.New(ctx, ec2.Config{
			Region:       c.Engine.EC2.Region,
			ImageID:      c.Engine.EC2.ImageID,
			InstanceType: c.Engine.EC2.InstanceType,
			IAMRoleName:  c.Engine.EC2.IAMRoleName,
			Tags:         c.InstanceTags(),
			Script:       c.ScriptOptions(),
		}, logger.WithGroup("engine.ec2"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       c.Engine.GCP.PublicIP == nil || *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
			Labels:         c.TagMap(),
			Script:         c.ScriptOptions(),
		}, logger.WithGroup("engine.gcp"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:  c.Engine.Docker.Image,
			Dind:   c.Engine.Docker.Dind,
			Labels: c.TagMap(),
			Script: c.ScriptOptions(),
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}
