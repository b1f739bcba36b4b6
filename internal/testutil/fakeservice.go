// Package testutil builds stand-in service binaries for tests.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// Marker files in the repo root change how the fake service behaves.
const (
	MarkerBadConfig  = "bad-config"  // `config check` exits 3
	MarkerIgnoreTerm = "ignore-term" // `run` ignores SIGTERM
	MarkerNoPIDFile  = "no-pidfile"  // `run` never writes its PID file
)

// fakeScript implements the service CLI contract:
//
//	<bin> --version
//	<bin> --repo-root <dir> config check
//	<bin> --repo-root <dir> run
//
// `run` writes <dir>/process.pid itself, as the real service does, and
// removes it when it exits on SIGTERM.
const fakeScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
	echo "@NAME@ @VERSION@"
	exit 0
fi
if [ "$1" != "--repo-root" ]; then
	echo "usage: @NAME@ --repo-root DIR {config check|run}" >&2
	exit 64
fi
root="$2"
shift 2
case "$1" in
config)
	if [ -f "$root/bad-config" ]; then
		echo "invalid config: listen address missing" >&2
		exit 3
	fi
	exit 0
	;;
run)
	if [ -n "$SVCTL_TEST_ECHO" ]; then
		echo "$SVCTL_TEST_ECHO" > "$root/echo"
	fi
	if [ -f "$root/ignore-term" ]; then
		trap '' TERM
	else
		trap 'rm -f "$root/process.pid"; exit 0' TERM
	fi
	if [ ! -f "$root/no-pidfile" ]; then
		echo $$ > "$root/process.pid"
	fi
	while :; do sleep 0.05; done
	;;
esac
exit 64
`

// RequireUnix skips t on platforms without /bin/sh.
func RequireUnix(t testing.TB) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// WriteFakeService writes an executable fake service called name into dir
// and returns its path. `--version` prints "<name> <version>".
func WriteFakeService(t testing.TB, dir, name, version string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	body := strings.NewReplacer("@NAME@", name, "@VERSION@", version).Replace(fakeScript)
	path := filepath.Join(dir, name)
	// #nosec G306 -- test binary must be executable
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write fake service: %v", err)
	}
	return path
}

// Touch creates an empty marker file in dir.
func Touch(t testing.TB, dir, marker string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, marker), nil, 0o600); err != nil {
		t.Fatalf("touch %s: %v", marker, err)
	}
}
