// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import "fmt"

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/ditto-runner/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/ditto-runner/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-02-19T12:34:56Z").
	BuildTime = "unknown"
)

// AppID identifies this tool to cloud SDKs that accept an application id
// (it ends up in the AWS user agent).
func AppID() string {
	return "ditto-runner/" + Version
}

// String renders the build info for the version command.
func String() string {
	return fmt.Sprintf("ditto-runner %s (commit %s, built %s)", Version, Commit, BuildTime)
}
