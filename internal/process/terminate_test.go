package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/svctl/internal/detector"
	"github.com/loykin/svctl/internal/testutil"
)

// startShell runs script under /bin/sh and reaps it in the background.
// The returned channel yields the final process state.
func startShell(t *testing.T, script string) (*exec.Cmd, <-chan *os.ProcessState) {
	t.Helper()
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan *os.ProcessState, 1)
	go func() {
		_ = cmd.Wait()
		done <- cmd.ProcessState
	}()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	// let the shell install its traps
	time.Sleep(100 * time.Millisecond)
	return cmd, done
}

func waitState(t *testing.T, done <-chan *os.ProcessState) *os.ProcessState {
	t.Helper()
	select {
	case st := <-done:
		return st
	case <-time.After(3 * time.Second):
		t.Fatalf("process was not reaped")
		return nil
	}
}

func TestTerminateGracefulExit(t *testing.T) {
	testutil.RequireUnix(t)
	// Exits 0.1s after receiving the graceful signal.
	cmd, done := startShell(t, `trap 'sleep 0.1; exit 0' TERM; while :; do sleep 0.05; done`)

	start := time.Now()
	out, err := Terminate(cmd.Process.Pid, Policy{TimeoutTicks: 3, Interval: 200 * time.Millisecond})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if out != OutcomeExited {
		t.Fatalf("expected graceful exit, got %s", out)
	}
	if elapsed >= 600*time.Millisecond {
		t.Fatalf("polling should stop early, took %s", elapsed)
	}
	st := waitState(t, done)
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		t.Fatalf("no kill expected, process ended by signal %v", ws.Signal())
	}
	if st.ExitCode() != 0 {
		t.Fatalf("expected clean exit code, got %d", st.ExitCode())
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	testutil.RequireUnix(t)
	cmd, done := startShell(t, `trap '' TERM; while :; do sleep 0.05; done`)

	p := Policy{TimeoutTicks: 3, Interval: 200 * time.Millisecond}
	start := time.Now()
	out, err := Terminate(cmd.Process.Pid, p)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if out != OutcomeKilled {
		t.Fatalf("expected force-killed, got %s", out)
	}
	if elapsed < p.Budget() {
		t.Fatalf("kill sent before the budget elapsed: %s", elapsed)
	}
	if elapsed > p.Budget()+killGrace+300*time.Millisecond {
		t.Fatalf("Terminate exceeded its bound: %s", elapsed)
	}
	st := waitState(t, done)
	ws, ok := st.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() || ws.Signal() != syscall.SIGKILL {
		t.Fatalf("expected SIGKILL termination, got %v", st)
	}
	if detector.Exists(cmd.Process.Pid) {
		t.Fatalf("process must be dead when Terminate returns")
	}
}

func TestTerminateAlreadyGone(t *testing.T) {
	testutil.RequireUnix(t)
	c := exec.Command("true")
	if err := c.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	out, err := Terminate(c.Process.Pid, Policy{TimeoutTicks: 1, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Terminate on a gone pid should not fail: %v", err)
	}
	if out != OutcomeExited {
		t.Fatalf("expected exited, got %s", out)
	}
}

func TestTerminateUsesLivenessProbe(t *testing.T) {
	testutil.RequireUnix(t)
	cmd, done := startShell(t, `while :; do sleep 0.05; done`)

	polls := 0
	orig := alive
	alive = func(pid int) bool {
		polls++
		return orig(pid)
	}
	defer func() { alive = orig }()

	out, err := Terminate(cmd.Process.Pid, Policy{TimeoutTicks: 5, Interval: 100 * time.Millisecond})
	if err != nil || out != OutcomeExited {
		t.Fatalf("Terminate = %s,%v", out, err)
	}
	if polls == 0 || polls > 5 {
		t.Fatalf("unexpected poll count %d", polls)
	}
	waitState(t, done)
}

func TestTerminateRejectsOutOfRangePID(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("needs 64-bit int")
	}
	// low 32 bits are our own pid; signalling it would hit this test binary
	pid := int(int64(1)<<32 + int64(os.Getpid()))
	if _, err := Terminate(pid, Policy{TimeoutTicks: 1, Interval: 10 * time.Millisecond}); err == nil {
		t.Fatalf("expected error for pid %d", pid)
	}
	if _, err := Terminate(0, Policy{TimeoutTicks: 1, Interval: 10 * time.Millisecond}); err == nil {
		t.Fatalf("expected error for pid 0")
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if _, err := Terminate(1, Policy{TimeoutTicks: 0, Interval: time.Second}); err == nil {
		t.Fatalf("expected error for zero ticks")
	}
	if _, err := Terminate(1, Policy{TimeoutTicks: 1, Interval: 0}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if got := (Policy{TimeoutTicks: 3, Interval: 200 * time.Millisecond}).Budget(); got != 600*time.Millisecond {
		t.Fatalf("Budget = %s", got)
	}
	if OutcomeExited.String() != "exited" || OutcomeKilled.String() != "force-killed" {
		t.Fatalf("unexpected outcome strings")
	}
}
