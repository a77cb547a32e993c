package logcollection

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7

	// SupervisorLogName is the file the supervisor's own log goes to inside the log directory
	SupervisorLogName = "supervisor.log"
)

// RotationConfig follows lumberjack semantics; zero values select the defaults
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (c RotationConfig) newWriter(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// OutputManager hands out per-service stdout/stderr writers in one directory.
// Each service writes only to files keyed by its own id.
type OutputManager struct {
	dir      string
	rotation RotationConfig
}

// NewOutputManager returns a manager writing under dir. An empty dir discards child output.
func NewOutputManager(dir string, rotation RotationConfig) *OutputManager {
	return &OutputManager{dir: dir, rotation: rotation}
}

func (m *OutputManager) Enabled() bool {
	return m != nil && m.dir != ""
}

// StdoutPath returns <dir>/<id>.stdout.log
func (m *OutputManager) StdoutPath(serviceID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.stdout.log", serviceID))
}

// StderrPath returns <dir>/<id>.stderr.log
func (m *OutputManager) StderrPath(serviceID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.stderr.log", serviceID))
}

// SupervisorLogPath returns the supervisor's own log file path, or "" when disabled
func (m *OutputManager) SupervisorLogPath() string {
	if !m.Enabled() {
		return ""
	}
	return filepath.Join(m.dir, SupervisorLogName)
}

// Writers returns stdout and stderr writers for one service. Both are
// discarding writers when no directory is configured.
func (m *OutputManager) Writers(serviceID string) (io.WriteCloser, io.WriteCloser, error) {
	if !m.Enabled() {
		return nopWriteCloser{io.Discard}, nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, nil, errors.NewIOError("failed to create log directory", err).
			WithContext("log_directory", m.dir).
			WithContext("service", serviceID)
	}
	return m.rotation.newWriter(m.StdoutPath(serviceID)), m.rotation.newWriter(m.StderrPath(serviceID)), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
