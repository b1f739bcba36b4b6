package detector

import (
	"fmt"

	"github.com/loykin/svctl/internal/pidfile"
)

// ServiceDetector resolves the running service from its PID file.
// A PID file alone is never proof of liveness: the PID must be present in
// the process table and carry the expected command name.
type ServiceDetector struct {
	Store pidfile.Store
	Name  string
}

// RunningPID returns the PID of the live service. A stale or foreign PID
// file yields ok=false and is left on disk untouched.
func (d ServiceDetector) RunningPID() (int, bool) {
	id, ok := d.Running()
	return id.PID, ok
}

// Running is RunningPID with the full identity of the matched process.
func (d ServiceDetector) Running() (Identity, bool) {
	pid, ok := d.Store.Read()
	if !ok {
		return Identity{}, false
	}
	id, ok := Identify(pid)
	if !ok || !IsService(id, d.Name) {
		return Identity{}, false
	}
	return id, true
}

func (d ServiceDetector) Alive() (bool, error) {
	_, ok := d.RunningPID()
	return ok, nil
}

func (d ServiceDetector) Describe() string { return "pidfile:" + d.Store.Path + " name:" + d.Name }

// PIDDetector detects by a provided PID number, without identity checks.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return Exists(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
