// Package controller implements the operator commands on top of the PID
// file, the process probe, the shutdown escalator and the binary updater.
// It keeps no state between calls; every command re-reads the PID file.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/svctl/internal/binary"
	"github.com/loykin/svctl/internal/config"
	"github.com/loykin/svctl/internal/detector"
	"github.com/loykin/svctl/internal/history"
	"github.com/loykin/svctl/internal/lock"
	"github.com/loykin/svctl/internal/metrics"
	"github.com/loykin/svctl/internal/pidfile"
	"github.com/loykin/svctl/internal/process"
)

var (
	ErrAlreadyRunning    = errors.New("already running")
	ErrPreflightRejected = errors.New("pre-flight config check rejected")
	ErrUpdateConflict    = errors.New("refusing to replace the binary of a running service")
	ErrNotReady          = errors.New("service did not write its pid file in time")
	ErrLocked            = lock.ErrLocked
	ErrNoBackup          = binary.ErrNoBackup
)

// Options fully describes one supervised deployment.
type Options struct {
	AppName          string
	RepoRoot         string
	Binary           string
	PIDFile          string
	BackupDir        string
	LockFile         string
	Env              []string // service environment; nil inherits ours
	Stop             process.Policy
	PreflightTimeout time.Duration
	VersionTimeout   time.Duration
	StartWait        time.Duration // 0 returns right after launch
	History          history.Sink  // optional
}

// OptionsFromConfig maps a loaded configuration onto controller options.
func OptionsFromConfig(c *config.Config) (Options, error) {
	vars, err := c.ServiceEnv()
	if err != nil {
		return Options{}, err
	}
	return Options{
		AppName:          c.AppName,
		RepoRoot:         c.Root,
		Binary:           c.Binary,
		PIDFile:          c.PIDFile,
		BackupDir:        c.BackupDir,
		LockFile:         c.LockFile,
		Env:              vars,
		Stop:             c.StopPolicy(),
		PreflightTimeout: c.PreflightTimeout,
		VersionTimeout:   c.VersionTimeout,
		StartWait:        c.Start.Wait,
	}, nil
}

type Controller struct {
	opts     Options
	store    pidfile.Store
	probe    detector.ServiceDetector
	launcher process.Launcher
	updater  binary.Updater
}

func New(o Options) *Controller {
	store := pidfile.New(o.PIDFile)
	return &Controller{
		opts:  o,
		store: store,
		probe: detector.ServiceDetector{Store: store, Name: o.AppName},
		launcher: process.Launcher{
			Binary:           o.Binary,
			RepoRoot:         o.RepoRoot,
			Env:              o.Env,
			PreflightTimeout: o.PreflightTimeout,
		},
		updater: binary.Updater{
			BinaryPath:     o.Binary,
			BackupDir:      o.BackupDir,
			AppName:        o.AppName,
			VersionTimeout: o.VersionTimeout,
		},
	}
}

func (c *Controller) Options() Options { return c.opts }

// State is the derived service state. Nothing about it is persisted.
type State struct {
	Running  bool
	PID      int
	Identity detector.Identity
}

func (s State) String() string {
	if s.Running {
		return fmt.Sprintf("running, pid: %d", s.PID)
	}
	return "stopped"
}

type StartResult struct {
	PID   int
	Ready bool // the service wrote its PID file; only checked with StartWait
}

func (r StartResult) String() string { return fmt.Sprintf("started, pid: %d", r.PID) }

type StopResult struct {
	WasRunning   bool
	PID          int
	Outcome      process.Outcome
	ClearedStale bool // a stale or foreign PID file was removed
}

func (r StopResult) String() string {
	if !r.WasRunning {
		return "not running"
	}
	return fmt.Sprintf("stopped (%s), pid: %d", r.Outcome, r.PID)
}

type RestartResult struct {
	Stop  StopResult
	Start StartResult
}

// Status reports the current state. It never modifies the PID file, even
// when the file is stale.
func (c *Controller) Status(_ context.Context) State {
	id, ok := c.probe.Running()
	st := State{Running: ok, PID: id.PID, Identity: id}
	metrics.SetServiceState(c.opts.AppName, st.PID, st.Running)
	if !ok {
		if pid, found := c.store.Read(); found {
			slog.Debug("PID file does not point at the service", "pid", pid, "detector", c.probe.Describe())
		}
	}
	return st
}

// Start validates the configuration and launches the service detached.
func (c *Controller) Start(ctx context.Context) (StartResult, error) {
	var res StartResult
	err := c.locked(ctx, "start", func() error {
		var err error
		res, err = c.start(ctx)
		return err
	})
	return res, err
}

// Stop terminates the running service and removes the PID file. When the
// service is not running it only clears a leftover PID file.
func (c *Controller) Stop(ctx context.Context) (StopResult, error) {
	var res StopResult
	err := c.locked(ctx, "stop", func() error {
		var err error
		res, err = c.stop(ctx)
		return err
	})
	return res, err
}

// Restart is Stop followed by Start under a single lock.
func (c *Controller) Restart(ctx context.Context) (RestartResult, error) {
	var res RestartResult
	err := c.locked(ctx, "restart", func() error {
		var err error
		if res.Stop, err = c.stop(ctx); err != nil {
			return err
		}
		res.Start, err = c.start(ctx)
		return err
	})
	return res, err
}

// UpdateBinary swaps in newPath. It is refused, with no filesystem change,
// while the service runs.
func (c *Controller) UpdateBinary(ctx context.Context, newPath string) (binary.Result, error) {
	var res binary.Result
	err := c.locked(ctx, "update-binary", func() error {
		var err error
		res, err = c.swap(ctx, history.EventUpdate, func() (binary.Result, error) {
			return c.updater.Update(ctx, newPath)
		})
		return err
	})
	return res, err
}

// Rollback restores the newest backup. Same precondition as UpdateBinary.
func (c *Controller) Rollback(ctx context.Context) (binary.Result, error) {
	var res binary.Result
	err := c.locked(ctx, "rollback", func() error {
		var err error
		res, err = c.swap(ctx, history.EventRollback, func() (binary.Result, error) {
			return c.updater.Rollback(ctx)
		})
		return err
	})
	return res, err
}

// Backups lists saved binaries, newest first.
func (c *Controller) Backups() ([]binary.Backup, error) {
	b, err := c.updater.Backups()
	if err == nil {
		metrics.SetBackups(c.opts.AppName, len(b))
	}
	return b, err
}

func (c *Controller) start(ctx context.Context) (StartResult, error) {
	if pid, ok := c.probe.RunningPID(); ok {
		c.record(ctx, history.EventRefused, pid, "already-running", "start")
		return StartResult{}, fmt.Errorf("%w, pid: %d", ErrAlreadyRunning, pid)
	}
	if err := c.launcher.Preflight(ctx); err != nil {
		c.record(ctx, history.EventStart, 0, "preflight-rejected", err.Error())
		return StartResult{}, fmt.Errorf("%w: %w", ErrPreflightRejected, err)
	}
	pid, err := c.launcher.Launch()
	if err != nil {
		c.record(ctx, history.EventStart, pid, "launch-failed", err.Error())
		return StartResult{PID: pid}, err
	}
	slog.Info("Service launched", "app", c.opts.AppName, "pid", pid)
	res := StartResult{PID: pid}

	if c.opts.StartWait > 0 {
		if err := detector.WaitForPIDFile(ctx, c.store, pid, c.opts.StartWait); err != nil {
			c.record(ctx, history.EventStart, pid, "not-ready", err.Error())
			return res, fmt.Errorf("%w (pid %d): %w", ErrNotReady, pid, err)
		}
		res.Ready = true
	}
	c.record(ctx, history.EventStart, pid, "started", "")
	metrics.SetServiceState(c.opts.AppName, pid, true)
	return res, nil
}

func (c *Controller) stop(ctx context.Context) (StopResult, error) {
	pid, ok := c.probe.RunningPID()
	if !ok {
		res := StopResult{}
		if stale, found := c.store.Read(); found || c.store.Exists() {
			if err := c.store.Clear(); err != nil {
				return res, fmt.Errorf("clear stale pid file: %w", err)
			}
			res.ClearedStale = true
			slog.Warn("Removed stale PID file", "pidfile", c.store.Path, "pid", stale)
		}
		metrics.SetServiceState(c.opts.AppName, 0, false)
		return res, nil
	}

	slog.Info("Stopping service", "app", c.opts.AppName, "pid", pid, "budget", c.opts.Stop.Budget())
	outcome, err := process.Terminate(pid, c.opts.Stop)
	if err != nil {
		c.record(ctx, history.EventStop, pid, "error", err.Error())
		return StopResult{WasRunning: true, PID: pid}, err
	}
	if err := c.store.Clear(); err != nil {
		return StopResult{WasRunning: true, PID: pid, Outcome: outcome}, fmt.Errorf("clear pid file: %w", err)
	}
	c.record(ctx, history.EventStop, pid, outcome.String(), "")
	metrics.SetServiceState(c.opts.AppName, 0, false)
	return StopResult{WasRunning: true, PID: pid, Outcome: outcome}, nil
}

func (c *Controller) swap(ctx context.Context, typ history.EventType, do func() (binary.Result, error)) (binary.Result, error) {
	if pid, ok := c.probe.RunningPID(); ok {
		c.record(ctx, history.EventRefused, pid, "update-conflict", string(typ))
		return binary.Result{}, fmt.Errorf("%w, pid: %d", ErrUpdateConflict, pid)
	}
	res, err := do()
	outcome, detail := "ok", res.Version
	if err != nil {
		outcome, detail = "error", err.Error()
	}
	c.record(ctx, typ, 0, outcome, detail)
	if b, lerr := c.updater.Backups(); lerr == nil {
		metrics.SetBackups(c.opts.AppName, len(b))
	}
	return res, err
}

// locked runs fn while holding the command lock and reports its duration.
func (c *Controller) locked(ctx context.Context, command string, fn func() error) error {
	began := time.Now()
	l, err := lock.Acquire(c.opts.LockFile)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			c.record(ctx, history.EventRefused, 0, "locked", command)
		}
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			slog.Warn("Failed to release command lock", "path", l.Path(), "error", err)
		}
	}()

	err = fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Debug("Command failed", "command", command, "error", err)
	}
	metrics.ObserveCommand(c.opts.AppName, command, outcome, time.Since(began), time.Now())
	return err
}

// record sends a history event. Sink failures are logged, never returned.
func (c *Controller) record(ctx context.Context, typ history.EventType, pid int, outcome, detail string) {
	if c.opts.History == nil {
		return
	}
	e := history.NewEvent(typ, c.opts.AppName, pid, outcome, detail)
	if err := c.opts.History.Send(ctx, e); err != nil {
		slog.Warn("Failed to record history event", "type", typ, "error", err)
	}
}
