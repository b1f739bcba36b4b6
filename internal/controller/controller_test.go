package controller

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/svctl/internal/detector"
	"github.com/loykin/svctl/internal/history"
	"github.com/loykin/svctl/internal/history/sqlite"
	"github.com/loykin/svctl/internal/lock"
	"github.com/loykin/svctl/internal/process"
	"github.com/loykin/svctl/internal/testutil"
)

type fixture struct {
	root string
	opts Options
	ctl  *Controller
	hist *sqlite.Sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.RequireUnix(t)
	root := t.TempDir()
	bin := testutil.WriteFakeService(t, filepath.Join(root, "bin"), "myapp", "1.0.0")
	hist, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	opts := Options{
		AppName:          "myapp",
		RepoRoot:         root,
		Binary:           bin,
		PIDFile:          filepath.Join(root, "process.pid"),
		BackupDir:        filepath.Join(root, "backup"),
		LockFile:         filepath.Join(root, "control.lock"),
		Stop:             process.Policy{TimeoutTicks: 10, Interval: 100 * time.Millisecond},
		PreflightTimeout: 5 * time.Second,
		VersionTimeout:   5 * time.Second,
		StartWait:        3 * time.Second,
		History:          hist,
	}
	f := &fixture{root: root, opts: opts, ctl: New(opts), hist: hist}
	t.Cleanup(f.killService)
	return f
}

// killService makes sure no fake service outlives the test.
func (f *fixture) killService() {
	b, err := os.ReadFile(f.opts.PIDFile)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid > 0 {
		if id, ok := detector.Identify(pid); ok && detector.IsService(id, "myapp") {
			_, _ = process.Terminate(pid, process.Policy{TimeoutTicks: 1, Interval: 50 * time.Millisecond})
		}
	}
}

func (f *fixture) events(t *testing.T) []history.Event {
	t.Helper()
	ev, err := f.hist.Recent(context.Background(), 50)
	require.NoError(t, err)
	return ev
}

func deadPID(t *testing.T) int {
	t.Helper()
	c := exec.Command("true")
	require.NoError(t, c.Run())
	return c.Process.Pid
}

func TestStatusStalePIDFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.opts.PIDFile, []byte(strconv.Itoa(deadPID(t))+"\n"), 0o600))

	st := f.ctl.Status(context.Background())
	require.False(t, st.Running)
	require.Equal(t, "stopped", st.String())
	_, err := os.Stat(f.opts.PIDFile)
	require.NoError(t, err, "status must not clear a stale pid file")
}

func TestStatusForeignProcess(t *testing.T) {
	f := newFixture(t)
	// our own PID is alive but is not myapp
	require.NoError(t, os.WriteFile(f.opts.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o600))
	require.False(t, f.ctl.Status(context.Background()).Running)
}

func TestStartStatusStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ctl.Start(ctx)
	require.NoError(t, err)
	require.True(t, res.Ready)
	require.Equal(t, "started, pid: "+strconv.Itoa(res.PID), res.String())

	st := f.ctl.Status(ctx)
	require.True(t, st.Running)
	require.Equal(t, res.PID, st.PID)
	require.Equal(t, "myapp", st.Identity.Command)
	require.Equal(t, "running, pid: "+strconv.Itoa(res.PID), st.String())

	stop, err := f.ctl.Stop(ctx)
	require.NoError(t, err)
	require.True(t, stop.WasRunning)
	require.Equal(t, process.OutcomeExited, stop.Outcome)
	require.Equal(t, "stopped (exited), pid: "+strconv.Itoa(res.PID), stop.String())
	_, err = os.Stat(f.opts.PIDFile)
	require.True(t, errors.Is(err, os.ErrNotExist), "pid file must be removed")
	require.False(t, f.ctl.Status(ctx).Running)

	ev := f.events(t)
	require.Len(t, ev, 2)
	require.Equal(t, history.EventStop, ev[0].Type)
	require.Equal(t, "exited", ev[0].Outcome)
	require.Equal(t, history.EventStart, ev[1].Type)
	require.Equal(t, res.PID, ev[1].PID)
}

func TestStartWhileRunningIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.ctl.Start(ctx)
	require.NoError(t, err)

	_, err = f.ctl.Start(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Equal(t, "already running, pid: "+strconv.Itoa(first.PID), err.Error())

	// the PID file still points at the first instance
	st := f.ctl.Status(ctx)
	require.True(t, st.Running)
	require.Equal(t, first.PID, st.PID)

	ev := f.events(t)
	require.Equal(t, history.EventRefused, ev[0].Type)
	require.Equal(t, "already-running", ev[0].Outcome)
}

func TestStartPreflightRejected(t *testing.T) {
	f := newFixture(t)
	testutil.Touch(t, f.root, testutil.MarkerBadConfig)

	_, err := f.ctl.Start(context.Background())
	require.ErrorIs(t, err, ErrPreflightRejected)
	var pe *process.PreflightError
	require.True(t, errors.As(err, &pe))
	require.Contains(t, err.Error(), "listen address missing")

	// nothing was spawned, so nothing ever writes the pid file
	time.Sleep(200 * time.Millisecond)
	_, err = os.Stat(f.opts.PIDFile)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStartNotReady(t *testing.T) {
	f := newFixture(t)
	testutil.Touch(t, f.root, testutil.MarkerNoPIDFile)
	f.opts.StartWait = 300 * time.Millisecond
	ctl := New(f.opts)

	res, err := ctl.Start(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	require.False(t, res.Ready)
	require.Positive(t, res.PID)
	_, _ = process.Terminate(res.PID, process.Policy{TimeoutTicks: 5, Interval: 50 * time.Millisecond})
}

func TestStopNotRunningIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := f.ctl.Stop(ctx)
		require.NoError(t, err)
		require.False(t, res.WasRunning)
		require.False(t, res.ClearedStale)
		require.Equal(t, "not running", res.String())
	}
	require.Empty(t, f.events(t), "no signal, no event")
}

func TestStopClearsStalePIDFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.opts.PIDFile, []byte("4321\n"), 0o600))
	if detector.Exists(4321) {
		t.Skip("pid 4321 happens to exist")
	}

	res, err := f.ctl.Stop(context.Background())
	require.NoError(t, err)
	require.False(t, res.WasRunning)
	require.True(t, res.ClearedStale)
	_, err = os.Stat(f.opts.PIDFile)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	testutil.Touch(t, f.root, testutil.MarkerIgnoreTerm)
	f.opts.Stop = process.Policy{TimeoutTicks: 3, Interval: 200 * time.Millisecond}
	ctl := New(f.opts)
	ctx := context.Background()

	started, err := ctl.Start(ctx)
	require.NoError(t, err)

	begin := time.Now()
	res, err := ctl.Stop(ctx)
	elapsed := time.Since(begin)
	require.NoError(t, err)
	require.Equal(t, process.OutcomeKilled, res.Outcome)
	require.Equal(t, "stopped (force-killed), pid: "+strconv.Itoa(started.PID), res.String())
	require.GreaterOrEqual(t, elapsed, 600*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
	require.False(t, detector.Exists(started.PID))
	_, err = os.Stat(f.opts.PIDFile)
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.Equal(t, "force-killed", f.events(t)[0].Outcome)
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// restart of a stopped service just starts it
	res, err := f.ctl.Restart(ctx)
	require.NoError(t, err)
	require.False(t, res.Stop.WasRunning)
	first := res.Start.PID

	res, err = f.ctl.Restart(ctx)
	require.NoError(t, err)
	require.True(t, res.Stop.WasRunning)
	require.Equal(t, first, res.Stop.PID)
	require.NotEqual(t, first, res.Start.PID)
	require.Equal(t, res.Start.PID, f.ctl.Status(ctx).PID)
}

func TestUpdateRefusedWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctl.Start(ctx)
	require.NoError(t, err)

	before, err := os.ReadFile(f.opts.Binary)
	require.NoError(t, err)
	newBin := testutil.WriteFakeService(t, filepath.Join(f.root, "incoming"), "myapp", "2.0.0")

	_, err = f.ctl.UpdateBinary(ctx, newBin)
	require.ErrorIs(t, err, ErrUpdateConflict)

	after, err := os.ReadFile(f.opts.Binary)
	require.NoError(t, err)
	require.Equal(t, before, after)
	_, err = os.Stat(f.opts.BackupDir)
	require.True(t, errors.Is(err, os.ErrNotExist), "no backup may be written")

	_, err = f.ctl.Rollback(ctx)
	require.ErrorIs(t, err, ErrUpdateConflict)
}

func TestUpdateAndRollbackWhileStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oldContent, err := os.ReadFile(f.opts.Binary)
	require.NoError(t, err)
	newBin := testutil.WriteFakeService(t, filepath.Join(f.root, "incoming"), "myapp", "2.0.0")
	newContent, err := os.ReadFile(newBin)
	require.NoError(t, err)

	res, err := f.ctl.UpdateBinary(ctx, newBin)
	require.NoError(t, err)
	require.Equal(t, "myapp 2.0.0", res.Version)
	backup, err := os.ReadFile(res.Backup)
	require.NoError(t, err)
	require.Equal(t, oldContent, backup)
	current, err := os.ReadFile(f.opts.Binary)
	require.NoError(t, err)
	require.Equal(t, newContent, current)

	backups, err := f.ctl.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	// the updated binary still starts
	started, err := f.ctl.Start(ctx)
	require.NoError(t, err)
	_, err = f.ctl.Stop(ctx)
	require.NoError(t, err)
	require.Positive(t, started.PID)

	rb, err := f.ctl.Rollback(ctx)
	require.NoError(t, err)
	require.Equal(t, "myapp 1.0.0", rb.Version)
	require.Equal(t, res.Backup, rb.Restored)

	ev := f.events(t)
	require.Equal(t, history.EventRollback, ev[0].Type)
	require.Equal(t, "myapp 1.0.0", ev[0].Detail)
}

func TestRollbackWithoutBackup(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Rollback(context.Background())
	require.ErrorIs(t, err, ErrNoBackup)
}

func TestCommandsRespectLock(t *testing.T) {
	f := newFixture(t)
	l, err := lock.Acquire(f.opts.LockFile)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	ctx := context.Background()
	_, err = f.ctl.Start(ctx)
	require.ErrorIs(t, err, ErrLocked)
	_, err = f.ctl.Stop(ctx)
	require.ErrorIs(t, err, ErrLocked)
	_, err = f.ctl.UpdateBinary(ctx, f.opts.Binary)
	require.ErrorIs(t, err, ErrLocked)

	// status is read-only and never takes the lock
	require.False(t, f.ctl.Status(ctx).Running)
	_, err = os.Stat(f.opts.PIDFile)
	require.True(t, errors.Is(err, os.ErrNotExist), "nothing may be spawned while locked")
}

func TestStartPassesEnvironment(t *testing.T) {
	f := newFixture(t)
	f.opts.Env = append(os.Environ(), "SVCTL_TEST_ECHO=from-controller")
	ctl := New(f.opts)

	_, err := ctl.Start(context.Background())
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(f.root, "echo"))
	require.NoError(t, err)
	require.Equal(t, "from-controller", strings.TrimSpace(string(b)))
}
