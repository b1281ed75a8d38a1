// Package userdata builds the first-boot shell script that installs,
// registers and starts a GitHub Actions runner on a fresh instance.
//
// The exact command sequence is the contract with the runner images in use,
// so lines are emitted verbatim.  Token, label and pre-runner script text are
// interpolated without any shell escaping.
package userdata

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const (
	// RunnerVersion is the actions/runner release downloaded when the image
	// has no pre-installed runner.
	RunnerVersion = "2.299.1"

	// NamePrefix prefixes every registered runner name.
	NamePrefix = "ditto-system-tests-runner-"

	// SharedLabel is attached to every runner next to its own label.
	SharedLabel = "ditto-system-tests"

	preRunnerScriptFile = "pre-runner-script.sh"
)

// Options carries the configuration the script depends on.
type Options struct {
	// RunnerHomeDir is the directory of a runner pre-installed in the image.
	// Empty means the runner is downloaded at boot.
	RunnerHomeDir string

	// PreRunnerScript is written to pre-runner-script.sh and sourced before
	// the runner is configured.
	PreRunnerScript string

	// GitHubURL is the GitHub server URL.  Only its scheme and host are used.
	GitHubURL string

	Owner string
	Repo  string
}

// Preinstalled reports whether the script uses the runner that ships with
// the image instead of downloading one.
func (o Options) Preinstalled() bool {
	return o.RunnerHomeDir != ""
}

// RepositoryURL returns <scheme>://<host>/<owner>/<repo>.
func (o Options) RepositoryURL() (string, error) {
	u, err := url.Parse(o.GitHubURL)
	if err != nil {
		return "", fmt.Errorf("parsing github url %q: %w", o.GitHubURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("github url %q has no scheme or host", o.GitHubURL)
	}
	return fmt.Sprintf("%s://%s/%s/%s", u.Scheme, u.Host, o.Owner, o.Repo), nil
}

// RunnerName returns the registration name for a runner with label.
func RunnerName(label string) string {
	return NamePrefix + label
}

// Build returns the ordered script lines for a runner registered with
// token under label.
func Build(token, label string, opts Options) ([]string, error) {
	repoURL, err := opts.RepositoryURL()
	if err != nil {
		return nil, err
	}

	var lines []string
	if opts.Preinstalled() {
		lines = []string{
			"#!/bin/bash",
			fmt.Sprintf(`cd "%s"`, opts.RunnerHomeDir),
		}
	} else {
		lines = []string{
			"#!/bin/bash",
			"mkdir actions-runner && cd actions-runner",
		}
	}

	lines = append(lines,
		fmt.Sprintf(`echo "%s" > %s`, opts.PreRunnerScript, preRunnerScriptFile),
		"source "+preRunnerScriptFile,
	)

	if !opts.Preinstalled() {
		archive := fmt.Sprintf("actions-runner-linux-${RUNNER_ARCH}-%s.tar.gz", RunnerVersion)
		lines = append(lines,
			`case $(uname -m) in aarch64) ARCH="arm64" ;; amd64|x86_64) ARCH="x64" ;; esac && export RUNNER_ARCH=${ARCH}`,
			fmt.Sprintf("curl -O -L https://github.com/actions/runner/releases/download/v%s/%s", RunnerVersion, archive),
			"tar xzf ./"+archive,
		)
	}

	return append(lines,
		"export RUNNER_ALLOW_RUNASROOT=1",
		`./config.sh --unattended \`,
		fmt.Sprintf(`  --url %s \`, repoURL),
		fmt.Sprintf(`  --token %s \`, token),
		fmt.Sprintf(`  --name %s \`, RunnerName(label)),
		fmt.Sprintf("  --labels %s,%s", label, SharedLabel),
		"./run.sh",
	), nil
}

// Script joins lines into the script text.
func Script(lines []string) string {
	return strings.Join(lines, "\n")
}

// Encode returns the std base64 encoding of the script text, the form EC2
// expects for user data.
func Encode(lines []string) string {
	return base64.StdEncoding.EncodeToString([]byte(Script(lines)))
}
