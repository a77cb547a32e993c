package process

import (
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// SpawnRequest is everything needed to start one child process
type SpawnRequest struct {
	ServiceID        string
	Command          []string
	WorkingDirectory string
	Environment      []string
	Stdout           io.WriteCloser
	Stderr           io.WriteCloser
}

// Handle is a running (or finished) child process
type Handle interface {
	PID() int
	// Done is closed once the process has exited and been reaped
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 when killed by a signal
	ExitCode() int
	// Terminate asks the process group to exit gracefully
	Terminate() error
	// Kill forcibly ends the process group
	Kill() error
}

// Spawner starts child processes
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
}

type execSpawner struct {
	logger logging.Logger
}

// NewExecSpawner returns a Spawner backed by os/exec.
// Each child runs in its own process group.
func NewExecSpawner(logger logging.Logger) Spawner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &execSpawner{logger: logger}
}

func (s *execSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("service", req.ServiceID)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("spawn cancelled", err).WithContext("service", req.ServiceID)
	}
	if err := ValidateSpawnRequest(req); err != nil {
		return nil, err
	}

	s.logger.Debugf("Spawning process, service: %s, command: %v, working directory: '%s'",
		req.ServiceID, req.Command, req.WorkingDirectory)

	// Not CommandContext: termination is driven by Terminate/Kill with a grace period
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = req.Environment
	if req.Stdout != nil {
		cmd.Stdout = req.Stdout
	}
	if req.Stderr != nil {
		cmd.Stderr = req.Stderr
	}
	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(req.Stdout, req.Stderr)
		return nil, errors.NewSpawnError("failed to start command", err).
			WithContext("service", req.ServiceID).
			WithContext("executable", req.Command[0])
	}

	h := &execHandle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
		closers: []io.Closer{req.Stdout, req.Stderr},
	}
	go h.wait()

	s.logger.Infof("Process spawned, service: %s, pid: %d", req.ServiceID, h.pid)
	return h, nil
}

// ValidateSpawnRequest checks the request before anything is executed
func ValidateSpawnRequest(req SpawnRequest) error {
	if req.ServiceID == "" {
		return errors.NewValidationError("service ID is required", nil)
	}
	if len(req.Command) == 0 || req.Command[0] == "" {
		return errors.NewSpawnError("command is empty", nil).WithContext("service", req.ServiceID)
	}
	return nil
}

type execHandle struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	closers []io.Closer

	mutex    sync.Mutex
	exitCode int
}

func (h *execHandle) wait() {
	_ = h.cmd.Wait()

	h.mutex.Lock()
	h.exitCode = -1
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mutex.Unlock()

	for _, c := range h.closers {
		if c != nil {
			_ = c.Close()
		}
	}
	close(h.done)
}

func (h *execHandle) PID() int {
	return h.pid
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) ExitCode() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exitCode
}

func (h *execHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *execHandle) Terminate() error {
	if h.exited() {
		return nil
	}
	return sendTerminationSignal(h.pid)
}

func (h *execHandle) Kill() error {
	if h.exited() {
		return nil
	}
	if err := killProcessGroup(h.pid); err != nil {
		return h.cmd.Process.Kill()
	}
	return nil
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}
