//go:build windows

package process

import (
	"errors"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
)

const PROCESS_TERMINATE = 0x0001

var errProcessGone = errors.New("process not found")

// sendGraceful has no cooperative equivalent for a detached console-less
// process on Windows, so the first phase already terminates it.
func sendGraceful(pid int) error { return terminate(pid) }

func sendForce(pid int) error { return terminate(pid) }

func terminate(pid int) error {
	if pid <= 0 {
		return errProcessGone
	}
	handle, err := syscall.OpenProcess(PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// Cannot open: the process has already exited.
		return errProcessGone
	}
	defer func() { _ = syscall.CloseHandle(handle) }()

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func isGone(err error) bool { return errors.Is(err, errProcessGone) }
