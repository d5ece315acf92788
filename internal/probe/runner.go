// Package probe gathers local machine capabilities: OS and CPU details,
// memory, battery, network interfaces and latency. Every probe is a plain
// function of the machine with a defined failure mode, so callers can fall
// back to static values. Shell and file access go through small injectable
// seams for testing.
package probe

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes an external command and returns its combined stdout.
// Tests inject a fake; production uses ExecRunner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec with a bounded timeout per call.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner creates a runner with the given per-command timeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExecRunner{Timeout: timeout}
}

// Run executes the command and returns trimmed stdout.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if _, err := exec.LookPath(name); err != nil {
		return "", fmt.Errorf("command %q not found: %w", name, err)
	}

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("run %q: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

var _ Runner = (*ExecRunner)(nil)
