package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// ProcessFileManager writes <id>.pid and <id>.port files into one directory.
// Each service only ever touches files keyed by its own id.
type ProcessFileManager struct {
	dir    string
	logger logging.Logger
}

// NewProcessFileManager returns a manager for dir; an empty dir disables all writes
func NewProcessFileManager(dir string, logger logging.Logger) *ProcessFileManager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProcessFileManager{dir: dir, logger: logger}
}

func (m *ProcessFileManager) Enabled() bool {
	return m != nil && m.dir != ""
}

func (m *ProcessFileManager) PIDFilePath(serviceID string) string {
	return filepath.Join(m.dir, serviceID+".pid")
}

func (m *ProcessFileManager) PortFilePath(serviceID string) string {
	return filepath.Join(m.dir, serviceID+".port")
}

// WritePIDFile records pid for serviceID; no-op when disabled
func (m *ProcessFileManager) WritePIDFile(serviceID string, pid int) error {
	if !m.Enabled() {
		return nil
	}
	path := m.PIDFilePath(serviceID)
	m.logger.Debugf("Writing PID file, service: %s, pid: %d, path: %s", serviceID, pid, path)

	if err := m.writeNumber(path, pid); err != nil {
		m.logger.Errorf("Failed to write PID file, service: %s, pid: %d, path: %s, error: %v", serviceID, pid, path, err)
		return err.WithContext("service", serviceID).WithContext("pid", pid)
	}
	return nil
}

// WritePortFile records the informational port for serviceID; no-op when disabled or port is 0
func (m *ProcessFileManager) WritePortFile(serviceID string, port int) error {
	if !m.Enabled() || port == 0 {
		return nil
	}
	path := m.PortFilePath(serviceID)
	m.logger.Debugf("Writing port file, service: %s, port: %d, path: %s", serviceID, port, path)

	if err := m.writeNumber(path, port); err != nil {
		m.logger.Errorf("Failed to write port file, service: %s, port: %d, path: %s, error: %v", serviceID, port, path, err)
		return err.WithContext("service", serviceID).WithContext("port", port)
	}
	return nil
}

func (m *ProcessFileManager) ReadPIDFile(serviceID string) (int, error) {
	return readNumber(m.PIDFilePath(serviceID))
}

func (m *ProcessFileManager) ReadPortFile(serviceID string) (int, error) {
	return readNumber(m.PortFilePath(serviceID))
}

// RemovePIDFile deletes the pid file; a missing file is not an error
func (m *ProcessFileManager) RemovePIDFile(serviceID string) error {
	if !m.Enabled() {
		return nil
	}
	path := m.PIDFilePath(serviceID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

// RemoveAll deletes the pid and port files of serviceID
func (m *ProcessFileManager) RemoveAll(serviceID string) error {
	if !m.Enabled() {
		return nil
	}
	problems := errors.NewErrorCollection()
	problems.Add(m.RemovePIDFile(serviceID))
	path := m.PortFilePath(serviceID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		problems.Add(errors.NewIOError("failed to remove port file", err).WithContext("port_file", path))
	}
	return problems.ToError()
}

func (m *ProcessFileManager) writeNumber(path string, n int) *errors.DomainError {
	if err := ValidateDirectory(filepath.Dir(path)); err != nil {
		return errors.NewIOError("process file directory validation failed", err).WithContext("path", path)
	}
	// write then rename so readers never see a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", n)), 0644); err != nil {
		return errors.NewIOError("failed to write process file", err).WithContext("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.NewIOError("failed to rename process file", err).WithContext("path", path)
	}
	return nil
}

func readNumber(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("process file not found", err).WithContext("path", path)
		}
		return 0, errors.NewIOError("failed to read process file", err).WithContext("path", path)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 0, errors.NewValidationError("process file does not contain a positive number", err).WithContext("path", path)
	}
	return n, nil
}

// ValidateDirectory creates dir if needed and checks that it is a directory
func ValidateDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return errors.NewIOError("cannot stat directory", err).WithContext("directory", dir)
	}
	if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("directory", dir)
	}
	return nil
}
