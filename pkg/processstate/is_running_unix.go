//go:build !windows

package processstate

import (
	"errors"
	"os"
	"syscall"
)

// IsProcessRunning reports whether pid refers to a live process.
// A zombie (exited, not yet reaped) counts as not running.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, ErrInvalidPID
	}

	// FindProcess always succeeds on Unix; signal 0 probes existence
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return !isZombie(pid), nil
	case errors.Is(err, os.ErrProcessDone):
		return false, nil
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		// exists, owned by someone else
		return true, nil
	}
	return false, err
}
