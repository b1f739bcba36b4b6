package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultPreflightTimeout = 30 * time.Second
	DefaultVersionTimeout   = 10 * time.Second
)

// PreflightError carries the output of a rejected `config check`.
type PreflightError struct {
	Output string
	Err    error
}

func (e *PreflightError) Error() string {
	if e.Output == "" {
		return "config check failed: " + e.Err.Error()
	}
	return "config check failed: " + e.Err.Error() + ": " + e.Output
}

func (e *PreflightError) Unwrap() error { return e.Err }

// Launcher runs the supervised binary through its command-line contract:
//
//	<bin> --repo-root <dir> config check
//	<bin> --repo-root <dir> run
//	<bin> --version
type Launcher struct {
	Binary           string
	RepoRoot         string
	Env              []string // complete child environment; nil inherits ours
	PreflightTimeout time.Duration
}

func (l Launcher) command(ctx context.Context, args ...string) *exec.Cmd {
	// #nosec G204 -- binary path comes from operator configuration
	cmd := exec.CommandContext(ctx, l.Binary, args...)
	if l.RepoRoot != "" {
		cmd.Dir = l.RepoRoot
	}
	if l.Env != nil {
		cmd.Env = l.Env
	}
	return cmd
}

// Preflight validates the service configuration without starting it.
// A non-zero exit yields a *PreflightError.
func (l Launcher) Preflight(ctx context.Context) error {
	timeout := l.PreflightTimeout
	if timeout <= 0 {
		timeout = DefaultPreflightTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := l.command(ctx, "--repo-root", l.RepoRoot, "config", "check").CombinedOutput()
	if err != nil {
		return &PreflightError{Output: strings.TrimSpace(string(out)), Err: err}
	}
	return nil
}

// Launch starts `<bin> --repo-root <dir> run` fully detached: new session,
// stdio on the null device, and released so it outlives the supervisor.
// It returns the PID assigned by the OS.
func (l Launcher) Launch() (int, error) {
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = null.Close() }()

	// Not bound to a context: the service must survive this command.
	cmd := l.command(context.Background(), "--repo-root", l.RepoRoot, "run")
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	configureDetached(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", l.Binary, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}
	return pid, nil
}

// Version runs `<binary> --version` and returns its trimmed stdout.
func Version(ctx context.Context, binary string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultVersionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	// #nosec G204 -- binary path comes from operator configuration
	cmd := exec.CommandContext(ctx, binary, "--version")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = errors.Join(err, errors.New(msg))
		}
		return strings.TrimSpace(stdout.String()), fmt.Errorf("%s --version: %w", binary, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
