package process

import (
	"context"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// KillWaitTimeout bounds the wait for a process to disappear after SIGKILL
const KillWaitTimeout = 5 * time.Second

// TerminateGracefully sends a termination signal, waits up to grace for the
// process to exit and then kills it. A StopTimeoutError is returned when the
// grace period expired; the process is dead in that case too unless the kill
// itself failed. Context cancellation skips the rest of the grace period.
func TerminateGracefully(ctx context.Context, h Handle, grace time.Duration, serviceID string, logger logging.Logger) error {
	if h == nil {
		return errors.NewInternalError("no process to terminate", nil).WithContext("service", serviceID)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	pid := h.PID()

	select {
	case <-h.Done():
		return nil
	default:
	}

	logger.Infof("Sending termination signal, service: %s, pid: %d, grace period: %v", serviceID, pid, grace)
	if err := h.Terminate(); err != nil {
		logger.Warnf("Failed to send termination signal, service: %s, pid: %d, error: %v", serviceID, pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var timeoutErr error
	select {
	case <-h.Done():
		logger.Infof("Process terminated gracefully, service: %s, pid: %d", serviceID, pid)
		return nil
	case <-timer.C:
		timeoutErr = errors.NewStopTimeoutError("process did not exit within grace period", nil).
			WithContext("service", serviceID).
			WithContext("pid", pid).
			WithContext("grace_period", grace.String())
		logger.Warnf("Process did not terminate within %v, forcing termination, service: %s, pid: %d", grace, serviceID, pid)
	case <-ctx.Done():
		logger.Warnf("Context cancelled during graceful termination, forcing termination, service: %s, pid: %d", serviceID, pid)
	}

	if err := h.Kill(); err != nil {
		return errors.NewInternalError("failed to kill process", err).WithContext("service", serviceID).WithContext("pid", pid)
	}

	select {
	case <-h.Done():
		logger.Infof("Process force terminated, service: %s, pid: %d", serviceID, pid)
		return timeoutErr
	case <-time.After(KillWaitTimeout):
		return errors.NewTimeoutError("process did not exit after forced termination", nil).
			WithContext("service", serviceID).
			WithContext("pid", pid)
	}
}
