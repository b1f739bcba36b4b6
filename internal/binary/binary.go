// Package binary replaces the supervised executable on disk. Every change is
// preceded by a timestamped backup of the binary it replaces.
package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/svctl/internal/process"
)

// TimestampLayout formats backup names as YYYY-MM-DD-HH-MM-SS.
const TimestampLayout = "2006-01-02-15-04-05"

// ErrNoBackup is returned by Rollback when the backup directory holds nothing
// to restore.
var ErrNoBackup = errors.New("no backup available")

// StepError tags an IO failure with the update step that produced it.
type StepError struct {
	Step string // prepare, backup, stage, swap or smoke-check
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step string, err error) error { return &StepError{Step: step, Err: err} }

// copyData is swapped in tests to simulate a full disk.
var copyData = io.Copy

// Updater owns the service binary at BinaryPath and its backups in BackupDir.
// It does not check whether the service runs; callers refuse first.
type Updater struct {
	BinaryPath     string
	BackupDir      string
	AppName        string
	VersionTimeout time.Duration
	Now            func() time.Time // nil means time.Now
}

// Result describes a completed swap.
type Result struct {
	Binary   string
	Backup   string // empty when there was no previous binary
	Restored string // backup restored by Rollback
	Version  string // trimmed `--version` output of the new binary
}

// Backup is one saved copy of a previous binary.
type Backup struct {
	Path    string
	Name    string
	Taken   time.Time
	seq     int
	Size    int64
	ModTime time.Time
}

func (u Updater) now() time.Time {
	if u.Now != nil {
		return u.Now()
	}
	return time.Now()
}

func (u Updater) appName() string {
	if u.AppName != "" {
		return u.AppName
	}
	return filepath.Base(u.BinaryPath)
}

// Update installs newPath as the service binary:
//  1. newPath is made executable,
//  2. the current binary is copied into BackupDir,
//  3. newPath is staged next to the target,
//  4. the current binary is removed and the staged file renamed into place,
//  5. the new binary is run with --version.
//
// Failures before step 4 leave the current binary untouched. A failed smoke
// check returns the Result together with the error; the swap stays in place
// and the backup allows a rollback.
func (u Updater) Update(ctx context.Context, newPath string) (Result, error) {
	res := Result{Binary: u.BinaryPath}
	fi, err := os.Stat(newPath)
	if err != nil {
		return res, stepErr("prepare", err)
	}
	if !fi.Mode().IsRegular() {
		return res, stepErr("prepare", fmt.Errorf("%s is not a regular file", newPath))
	}
	// #nosec G302 -- the service binary must be executable
	if err := os.Chmod(newPath, 0o755); err != nil {
		return res, stepErr("prepare", err)
	}
	return u.replace(ctx, newPath, res)
}

// Rollback restores the newest backup. The binary being replaced is backed up
// first, so a rollback can itself be rolled back.
func (u Updater) Rollback(ctx context.Context) (Result, error) {
	res := Result{Binary: u.BinaryPath}
	backups, err := u.Backups()
	if err != nil {
		return res, err
	}
	if len(backups) == 0 {
		return res, ErrNoBackup
	}
	res.Restored = backups[0].Path
	return u.replace(ctx, backups[0].Path, res)
}

func (u Updater) replace(ctx context.Context, src string, res Result) (Result, error) {
	backup, err := u.backupCurrent()
	if err != nil {
		return res, stepErr("backup", err)
	}
	res.Backup = backup
	if backup == "" {
		slog.Info("No current binary to back up", "binary", u.BinaryPath)
	} else {
		slog.Info("Binary backed up", "binary", u.BinaryPath, "backup", backup)
	}

	staged, err := u.stage(src)
	if err != nil {
		return res, stepErr("stage", err)
	}
	if err := os.Remove(u.BinaryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(staged)
		return res, stepErr("swap", err)
	}
	if err := os.Rename(staged, u.BinaryPath); err != nil {
		_ = os.Remove(staged)
		return res, stepErr("swap", err)
	}
	slog.Info("Binary replaced", "binary", u.BinaryPath, "source", src)

	v, err := process.Version(ctx, u.BinaryPath, u.VersionTimeout)
	res.Version = v
	if err != nil {
		return res, stepErr("smoke-check", err)
	}
	return res, nil
}

// backupCurrent copies the current binary into BackupDir and returns the
// backup path, or "" when there is no current binary.
func (u Updater) backupCurrent() (string, error) {
	fi, err := os.Stat(u.BinaryPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", u.BinaryPath)
	}
	if err := os.MkdirAll(u.BackupDir, 0o750); err != nil {
		return "", err
	}
	base := u.appName() + "-" + u.now().Format(TimestampLayout)
	name := base + ".bak"
	// Two changes within one second get a sequence suffix.
	for seq := 1; ; seq++ {
		dst := filepath.Join(u.BackupDir, name)
		err := copyFile(u.BinaryPath, dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, os.ErrExist) || seq > 100 {
			return "", err
		}
		name = base + "-" + strconv.Itoa(seq) + ".bak"
	}
}

// stage copies src to a hidden temp file in the target directory so the
// final rename stays on one filesystem.
func (u Updater) stage(src string) (string, error) {
	dir := filepath.Dir(u.BinaryPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "."+u.appName()+"-*.tmp")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	_ = tmp.Close()
	if err := copyFile(src, name, os.O_TRUNC|os.O_WRONLY); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// Backups lists backups of this app, newest first.
func (u Updater) Backups() ([]Backup, error) {
	entries, err := os.ReadDir(u.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	prefix := u.appName() + "-"
	var out []Backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		taken, seq, ok := parseBackupName(e.Name(), prefix)
		if !ok {
			continue
		}
		b := Backup{Path: filepath.Join(u.BackupDir, e.Name()), Name: e.Name(), Taken: taken, seq: seq}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
			b.ModTime = info.ModTime()
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Taken.Equal(out[j].Taken) {
			return out[i].Taken.After(out[j].Taken)
		}
		return out[i].seq > out[j].seq
	})
	return out, nil
}

// parseBackupName accepts <prefix><timestamp>.bak and <prefix><timestamp>-<n>.bak.
func parseBackupName(name, prefix string) (time.Time, int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return time.Time{}, 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".bak")
	if !ok || len(rest) < len(TimestampLayout) {
		return time.Time{}, 0, false
	}
	ts, tail := rest[:len(TimestampLayout)], rest[len(TimestampLayout):]
	taken, err := time.ParseInLocation(TimestampLayout, ts, time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	seq := 0
	if tail != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(tail, "-"))
		if err != nil || !strings.HasPrefix(tail, "-") || n <= 0 {
			return time.Time{}, 0, false
		}
		seq = n
	}
	return taken, seq, true
}

// copyFile copies src into dst opened with flag. The result is mode 0755
// and synced to disk.
func copyFile(src, dst string, flag int) (err error) {
	// #nosec G304 -- paths come from operator configuration
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	// #nosec G302 G304 -- backups and the staged binary stay executable
	out, err := os.OpenFile(dst, flag, 0o755)
	if err != nil {
		return err
	}
	// a partial copy must never be left under a backup name
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
		}
	}()
	if _, err = copyData(out, in); err != nil {
		return err
	}
	// #nosec G302
	if err = out.Chmod(0o755); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
