//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// sendGraceful asks pid to shut down; the process may trap it.
func sendGraceful(pid int) error { return killProcess(pid, syscall.SIGTERM) }

// sendForce kills pid unconditionally.
func sendForce(pid int) error { return killProcess(pid, syscall.SIGKILL) }

func killProcess(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// isGone reports whether a signal error means the target no longer exists.
func isGone(err error) bool { return errors.Is(err, syscall.ESRCH) }
