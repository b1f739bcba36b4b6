package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/svctl/internal/testutil"
)

type cli struct {
	t    *testing.T
	root string
}

// newCLI lays out a deployment root with a fake "myapp" service and a
// control.toml. extra is appended to the config file.
func newCLI(t *testing.T, extra string) *cli {
	t.Helper()
	testutil.RequireUnix(t)
	root := t.TempDir()
	testutil.WriteFakeService(t, filepath.Join(root, "bin"), "myapp", "1.0.0")
	cfg := fmt.Sprintf(`app_name = "myapp"

[stop]
timeout_ticks = 20
interval = "100ms"

[history]
dsn = %q
%s`, filepath.Join(root, "history.db"), extra)
	require.NoError(t, os.WriteFile(filepath.Join(root, "control.toml"), []byte(cfg), 0o600))
	c := &cli{t: t, root: root}
	t.Cleanup(func() { c.run("stop") })
	return c
}

func (c *cli) run(args ...string) (code int, stdout, stderr string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	code = run(append([]string{"--repo-root", c.root}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	code, out, errOut := c.run(args...)
	if code != 0 {
		c.t.Fatalf("control %v exited %d: %s", args, code, errOut)
	}
	return out
}

func TestMissingCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "Usage:") || !strings.Contains(errOut.String(), "missing command") {
		t.Fatalf("usage not printed: %q", errOut.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), `unknown command "bogus"`) || !strings.Contains(errOut.String(), "Usage:") {
		t.Fatalf("unexpected stderr: %q", errOut.String())
	}
}

func TestHelpExitsZero(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"--help"}, &out, &errOut); code != 0 {
		t.Fatalf("help should succeed, stderr=%s", errOut.String())
	}
	for _, sub := range []string{"start", "stop", "restart", "status", "update-binary"} {
		if !strings.Contains(out.String(), sub) {
			t.Fatalf("help does not list %s: %s", sub, out.String())
		}
	}
}

func TestLifecycle(t *testing.T) {
	c := newCLI(t, "")

	require.Equal(t, "stopped\n", c.mustRun("status"))

	out := c.mustRun("start", "--wait", "3s")
	require.True(t, strings.HasPrefix(out, "started, pid: "), out)
	pid := strings.TrimSpace(strings.TrimPrefix(out, "started, pid: "))

	require.Equal(t, "running, pid: "+pid+"\n", c.mustRun("status"))

	code, _, errOut := c.run("start")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "already running, pid: "+pid)

	code, _, errOut = c.run("update-binary", filepath.Join(c.root, "bin", "myapp"))
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "refusing to replace the binary")

	require.Equal(t, "stopped (exited), pid: "+pid+"\n", c.mustRun("stop"))
	require.Equal(t, "not running\n", c.mustRun("stop"))
	require.Equal(t, "stopped\n", c.mustRun("status"))

	hist := c.mustRun("history", "--limit", "10")
	require.Contains(t, hist, "TIME")
	require.Contains(t, hist, "started")
	require.Contains(t, hist, "already-running")
	require.Contains(t, hist, "update-conflict")
	require.Contains(t, hist, "exited")
}

func TestRestart(t *testing.T) {
	c := newCLI(t, "\n[start]\nwait = \"3s\"\n")
	first := c.mustRun("start")
	out := c.mustRun("restart")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	require.Equal(t, "stopped (exited), pid: "+strings.TrimPrefix(strings.TrimSpace(first), "started, pid: "), lines[0])
	require.True(t, strings.HasPrefix(lines[1], "started, pid: "), lines[1])
	require.NotEqual(t, strings.TrimSpace(first), lines[1])
}

func TestStartPreflightRejected(t *testing.T) {
	c := newCLI(t, "")
	testutil.Touch(t, c.root, testutil.MarkerBadConfig)

	code, out, errOut := c.run("start")
	require.Equal(t, 1, code)
	require.Empty(t, out)
	require.Contains(t, errOut, "pre-flight config check rejected")
	require.Contains(t, errOut, "listen address missing")
	require.NoFileExists(t, filepath.Join(c.root, "process.pid"))
}

func TestUpdateBinaryAndRollback(t *testing.T) {
	c := newCLI(t, "")
	next := testutil.WriteFakeService(t, filepath.Join(t.TempDir(), "build"), "myapp", "2.0.0")

	require.Equal(t, "no backups\n", c.mustRun("backups"))

	out := c.mustRun("update-binary", next)
	require.Contains(t, out, "backup: "+filepath.Join(c.root, "backup", "myapp-"))
	require.Contains(t, out, "updated: "+filepath.Join(c.root, "bin", "myapp"))
	require.Contains(t, out, "version: myapp 2.0.0")

	list := strings.Split(strings.TrimSpace(c.mustRun("backups")), "\n")
	require.Len(t, list, 1)
	require.True(t, strings.HasPrefix(list[0], "myapp-"), list[0])

	out = c.mustRun("rollback")
	require.Contains(t, out, "restored: "+filepath.Join(c.root, "backup", "myapp-"))
	require.Contains(t, out, "version: myapp 1.0.0")
}

func TestUpdateBinaryRequiresPath(t *testing.T) {
	c := newCLI(t, "")
	code, _, errOut := c.run("update-binary")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "accepts 1 arg")
}

func TestRollbackWithoutBackup(t *testing.T) {
	c := newCLI(t, "")
	code, _, errOut := c.run("rollback")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "no backup available")
}

func TestStopFlagsValidated(t *testing.T) {
	c := newCLI(t, "")
	code, _, errOut := c.run("stop", "--timeout-ticks", "0")
	require.Equal(t, 1, code)
	require.NotEmpty(t, errOut)
}

func TestStopClearsStalePIDFile(t *testing.T) {
	c := newCLI(t, "")
	pidPath := filepath.Join(c.root, "process.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("4321\n"), 0o600))

	require.Equal(t, "stopped\n", c.mustRun("status"))
	require.FileExists(t, pidPath)
	require.Equal(t, "not running\n", c.mustRun("stop"))
	require.NoFileExists(t, pidPath)
}

func TestInvalidConfiguration(t *testing.T) {
	c := newCLI(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(c.root, "bad.toml"), []byte("[stop]\ntimeout_ticks = -1\n"), 0o600))
	code, _, errOut := c.run("--config", filepath.Join(c.root, "bad.toml"), "status")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "invalid configuration")
}

func TestServeStatusTLS(t *testing.T) {
	c := newCLI(t, "\n[server.tls]\nenabled = true\nauto_generate = true\n")
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		root := buildRoot(&bytes.Buffer{}, &bytes.Buffer{})
		root.SetArgs([]string{"--repo-root", c.root, "serve-status", "--listen", addr})
		done <- root.ExecuteContext(ctx)
	}()

	ca := filepath.Join(c.root, "tls", "tls_ca.crt")
	require.Eventually(t, func() bool {
		code, out, _ := c.run("status", "--api-url", "https://"+addr, "--api-ca", ca, "--api-timeout", "1s")
		return code == 0 && out == "stopped\n"
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("serve-status did not shut down")
	}
}

func TestStatusViaAPIUnreachable(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"status", "--api-url", "http://" + freeAddr(t), "--api-timeout", "1s"}, &out, &errOut)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "query http://")
}

func TestHistoryNotConfigured(t *testing.T) {
	testutil.RequireUnix(t)
	root := t.TempDir()
	var out, errOut bytes.Buffer
	code := run([]string{"--repo-root", root, "history"}, &out, &errOut)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "history is not configured")
}

func TestMetricsTextfile(t *testing.T) {
	c := newCLI(t, "\n[metrics]\ntextfile = \"metrics/control.prom\"\n")
	c.mustRun("status")

	b, err := os.ReadFile(filepath.Join(c.root, "metrics", "control.prom"))
	require.NoError(t, err)
	require.Contains(t, string(b), `svctl_service_up{app="myapp"} 0`)
}

func TestLogFileWritten(t *testing.T) {
	c := newCLI(t, "\n[log]\nlevel = \"debug\"\n")
	c.mustRun("status")

	b, err := os.ReadFile(filepath.Join(c.root, "logs", "control.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), "Session opened")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeStatus(t *testing.T) {
	c := newCLI(t, "")
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		root := buildRoot(&bytes.Buffer{}, &bytes.Buffer{})
		root.SetArgs([]string{"--repo-root", c.root, "serve-status", "--listen", addr})
		done <- root.ExecuteContext(ctx)
	}()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/status")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		body = buf.String()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
	require.Contains(t, body, `"running":false`)

	require.Equal(t, "stopped\n", c.mustRun("status", "--api-url", "http://"+addr))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("serve-status did not shut down")
	}
}
