// Package sysops invokes host commands (service manager, reboot) with
// bounded lifetimes and typed failures: a missing binary is unavailable, a
// non-zero exit is internal carrying the stderr tail, a blown deadline is a
// timeout.
package sysops

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// DefaultCommandTimeout bounds a subprocess when the caller's context has no
// deadline of its own.
const DefaultCommandTimeout = 30 * time.Second

// stderrTailLimit caps how much stderr lands in error details.
const stderrTailLimit = 512

// Runner executes host commands.
type Runner struct {
	timeout time.Duration
	log     *zap.Logger
}

// NewRunner builds a Runner with the default timeout.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{timeout: DefaultCommandTimeout, log: logger.Named("sysops")}
}

// Run executes name with args and returns its stdout. The deadline is the
// earlier of ctx's and the runner's default.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug("running command", zap.String("command", name), zap.Strings("args", args))
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return "", operr.Unavailablef("command %q not found", name).With("command", name)
	}
	if ctx.Err() != nil {
		return "", operr.Timeoutf("command %q did not finish in time", name).
			WithDetails(map[string]any{"command": name, "timeout_seconds": r.timeout.Seconds()})
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", operr.Internalf("command %q exited with status %d", name, exitErr.ExitCode()).
			WithDetails(map[string]any{
				"command":   name,
				"exit_code": exitErr.ExitCode(),
				"stderr":    tail(stderr.String(), stderrTailLimit),
			})
	}
	return "", operr.Internalf("command %q failed: %v", name, err).With("command", name)
}

// tail returns the last limit bytes of s, trimmed.
func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

// ExitCode extracts the subprocess exit code recorded in err's details, with
// ok false when err did not come from a completed subprocess.
func ExitCode(err error) (int, bool) {
	e, isTyped := operr.As(err)
	if !isTyped {
		return 0, false
	}
	code, ok := e.Details["exit_code"].(int)
	return code, ok
}
