package logcollection

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// ZapAdapter implements logging.Logger on top of a zap sugared logger
type ZapAdapter struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	closer io.Closer
}

// ZapConfig defines the supervisor's own log output
type ZapConfig struct {
	Level      string // "debug", "info", "warn", "error"
	Format     string // "json", "console"
	Output     string // "stdout", "stderr" or a file path (rotated)
	Caller     bool
	Stacktrace bool
	Rotation   RotationConfig
}

// DefaultZapConfig returns console output to stderr at info level
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

var _ logging.Logger = (*ZapAdapter)(nil)

func NewZapAdapter(config ZapConfig) (*ZapAdapter, error) {
	level, err := getLevelFromString(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	var writeSyncer zapcore.WriteSyncer
	var closer io.Closer
	switch config.Output {
	case "stderr", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	case "stdout":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	default:
		rotating := config.Rotation.newWriter(config.Output)
		writeSyncer = zapcore.AddSync(rotating)
		closer = rotating
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	zapLogger := zap.New(zapcore.NewCore(encoder, writeSyncer, level), opts...)
	return &ZapAdapter{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
		closer: closer,
	}, nil
}

func (z *ZapAdapter) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case logging.LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case logging.LogLevelWarn:
		z.sugar.Warnf(format, args...)
	case logging.LogLevelError:
		z.sugar.Errorf(format, args...)
	default:
		z.sugar.Infof(format, args...)
	}
}

func (z *ZapAdapter) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

func (z *ZapAdapter) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}

func (z *ZapAdapter) Warnf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

func (z *ZapAdapter) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

// Close flushes buffered entries and releases the log file, if any
func (z *ZapAdapter) Close() error {
	// Sync on a terminal returns EINVAL/ENOTTY; only file targets care
	_ = z.logger.Sync()
	if z.closer != nil {
		return z.closer.Close()
	}
	return nil
}

// zap v1.20.0 has no zapcore.ParseLevel
func getLevelFromString(levelStr string) (zapcore.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
