package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

type TestLogger struct{}

func (l *TestLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *TestLogger) Debugf(format string, args ...interface{})               {}
func (l *TestLogger) Infof(format string, args ...interface{})                {}
func (l *TestLogger) Warnf(format string, args ...interface{})                {}
func (l *TestLogger) Errorf(format string, args ...interface{})               {}

func TestProcessFileManager_PIDAndPortFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	m := NewProcessFileManager(dir, &TestLogger{})

	require.NoError(t, m.WritePIDFile("api", 4242))
	require.NoError(t, m.WritePortFile("api", 8080))

	assert.Equal(t, filepath.Join(dir, "api.pid"), m.PIDFilePath("api"))
	assert.Equal(t, filepath.Join(dir, "api.port"), m.PortFilePath("api"))

	pid, err := m.ReadPIDFile("api")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	port, err := m.ReadPortFile("api")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	content, err := os.ReadFile(m.PIDFilePath("api"))
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(content))

	// overwrite on relaunch
	require.NoError(t, m.WritePIDFile("api", 4343))
	pid, _ = m.ReadPIDFile("api")
	assert.Equal(t, 4343, pid)

	require.NoError(t, m.RemoveAll("api"))
	_, err = m.ReadPIDFile("api")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = m.ReadPortFile("api")
	assert.True(t, errors.IsNotFoundError(err))

	// removing twice is fine
	assert.NoError(t, m.RemoveAll("api"))
}

func TestProcessFileManager_Disabled(t *testing.T) {
	m := NewProcessFileManager("", nil)
	assert.False(t, m.Enabled())
	assert.NoError(t, m.WritePIDFile("api", 1))
	assert.NoError(t, m.WritePortFile("api", 8080))
	assert.NoError(t, m.RemoveAll("api"))
}

func TestProcessFileManager_ZeroPortSkipped(t *testing.T) {
	dir := t.TempDir()
	m := NewProcessFileManager(dir, nil)
	require.NoError(t, m.WritePortFile("worker", 0))
	_, err := os.Stat(m.PortFilePath("worker"))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessFileManager_InvalidContent(t *testing.T) {
	dir := t.TempDir()
	m := NewProcessFileManager(dir, nil)
	require.NoError(t, os.WriteFile(m.PIDFilePath("api"), []byte("not-a-pid"), 0644))

	_, err := m.ReadPIDFile("api")
	assert.True(t, errors.IsValidationError(err))
}

func TestValidateDirectory(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, ValidateDirectory(filepath.Join(dir, "a", "b")))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	assert.Error(t, ValidateDirectory(file))
}
