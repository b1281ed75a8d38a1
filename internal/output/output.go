// Package output publishes command results both to stdout and, inside a
// GitHub Actions job, to the step's $GITHUB_OUTPUT file so later steps
// can read them.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// EnvGitHubOutput names the file the Actions runtime reads step outputs from.
const EnvGitHubOutput = "GITHUB_OUTPUT"

// Writer emits key=value outputs.
type Writer struct {
	stdout io.Writer
	path   string
}

// New returns a Writer printing to stdout and appending to path.  An
// empty path disables the file.
func New(stdout io.Writer, path string) *Writer {
	return &Writer{stdout: stdout, path: path}
}

// FromEnv returns a Writer for os.Stdout and $GITHUB_OUTPUT.
func FromEnv() *Writer {
	return New(os.Stdout, os.Getenv(EnvGitHubOutput))
}

// Set publishes one output.
func (w *Writer) Set(key, value string) error {
	if key == "" || strings.ContainsAny(key, "=\n") {
		return fmt.Errorf("invalid output name %q", key)
	}

	if _, err := fmt.Fprintf(w.stdout, "%s=%s\n", key, value); err != nil {
		return fmt.Errorf("writing output %s: %w", key, err)
	}
	if w.path == "" {
		return nil
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", w.path, err)
	}
	if _, err := io.WriteString(f, encode(key, value)); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending output %s: %w", key, err)
	}
	return f.Close()
}

// encode renders one entry in the $GITHUB_OUTPUT file format.  Multi-line
// values use the heredoc form with a random delimiter.
func encode(key, value string) string {
	if !strings.ContainsAny(value, "\r\n") {
		return key + "=" + value + "\n"
	}
	delim := "ghadelimiter_" + uuid.NewString()
	return fmt.Sprintf("%s<<%s\n%s\n%s\n", key, delim, value, delim)
}
