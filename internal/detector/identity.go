package detector

import (
	"context"
	"math"
	"path/filepath"
	"slices"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Identity is what the OS reports about a PID at probe time.
// It is recomputed on every probe and never cached.
type Identity struct {
	PID       int
	Command   string // process name as reported by the OS (comm on Linux)
	Exe       string // absolute executable path, empty when not readable
	Cmdline   string
	StartUnix int64 // 0 when unavailable
}

// Identify queries the process table for pid. ok is false when no live
// process has that PID. Zombies (exited, not yet reaped) count as gone.
func Identify(pid int) (Identity, bool) {
	if !Exists(pid) {
		return Identity{}, false
	}
	p, err := gopsproc.NewProcessWithContext(context.Background(), int32(pid))
	if err != nil {
		return Identity{}, false
	}
	id := Identity{PID: pid, StartUnix: getProcStartUnix(pid)}
	// Each field is best-effort: a process owned by another user may hide its exe.
	if name, err := p.Name(); err == nil {
		id.Command = name
	}
	if exe, err := p.Exe(); err == nil {
		id.Exe = exe
	}
	if cl, err := p.Cmdline(); err == nil {
		id.Cmdline = cl
	}
	return id, true
}

// Exists reports whether pid is present in the process table and not a zombie.
func Exists(pid int) bool {
	// gopsutil takes an int32; a wider value would alias another process
	if pid <= 0 || int64(pid) > math.MaxInt32 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	return !isZombie(pid)
}

func isZombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}

// IsService reports whether id belongs to the executable called name.
// The command name or the executable path must end with name, and the match
// must start on a path component boundary, so "/opt/bin/myapp" matches
// "myapp" while "notmyapp" does not.
func IsService(id Identity, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, c := range []string{id.Command, id.Exe} {
		if hasPathSuffix(c, name) {
			return true
		}
	}
	return false
}

func hasPathSuffix(s, name string) bool {
	if !strings.HasSuffix(s, name) {
		return false
	}
	rest := strings.TrimSuffix(s, name)
	return rest == "" || strings.HasSuffix(rest, "/") || strings.HasSuffix(rest, string(filepath.Separator))
}
