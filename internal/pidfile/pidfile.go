package pidfile

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Store is the narrow read/write/clear view of the service PID file.
// Nothing is cached; every Read goes back to disk.
type Store struct {
	Path string
}

func New(path string) Store { return Store{Path: path} }

// MaxPID is the largest PID the OS process APIs can address.
const MaxPID = math.MaxInt32

// Read returns the PID recorded in the file. ok is false when the file is
// missing, unreadable or does not hold an integer in 1..MaxPID.
func (s Store) Read() (pid int, ok bool) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, false
	}
	// Only the first line carries the PID
	line, _, _ := strings.Cut(string(b), "\n")
	n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 32)
	if err != nil || n <= 0 {
		return 0, false
	}
	return int(n), true
}

// Write overwrites the file with pid, creating it and its directory if needed.
func (s Store) Write(pid int) error {
	if pid <= 0 || int64(pid) > MaxPID {
		return errors.New("pidfile: pid out of range, got " + strconv.Itoa(pid))
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.Path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// Clear removes the file. A missing file is not an error.
func (s Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether the file is present, regardless of its content.
func (s Store) Exists() bool {
	_, err := os.Stat(s.Path)
	return err == nil
}
