package detector

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/svctl/internal/pidfile"
)

// waitPollInterval backs up fsnotify: some filesystems drop events.
const waitPollInterval = 100 * time.Millisecond

// WaitForPIDFile blocks until store holds wantPID, the timeout elapses or ctx
// is cancelled. The service writes its own PID file once it is ready, so this
// is how a caller learns that a freshly launched process came up.
func WaitForPIDFile(ctx context.Context, store pidfile.Store, wantPID int, timeout time.Duration) error {
	if pid, ok := store.Read(); ok && pid == wantPID {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(filepath.Dir(store.Path)); err == nil {
			events = watcher.Events
			errs = watcher.Errors
		} else {
			slog.Debug("pidfile watch unavailable, polling only", "dir", filepath.Dir(store.Path), "error", err)
		}
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid file %s not written with pid %d within %s: %w", store.Path, wantPID, timeout, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(store.Path) {
				continue
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Debug("pidfile watch error", "error", werr)
		case <-ticker.C:
		}
		if pid, ok := store.Read(); ok && pid == wantPID {
			return nil
		}
	}
}
