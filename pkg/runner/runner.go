package runner

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/history"
	"github.com/core-tools/hsu-supervisor/pkg/logcollection"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/manifest"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

type Options struct {
	ManifestFile string
	// RunDuration stops the supervisor after that many seconds (debug feature)
	RunDuration int
	// ControlAddress overrides settings.control_address; "-" disables the control server
	ControlAddress string
	// Logger overrides the zap logger built from the manifest settings
	Logger logging.Logger
	// Signals defaults to SIGINT and SIGTERM
	Signals []os.Signal
}

// Run loads the manifest, supervises its services and blocks until a signal
// arrives or the run duration elapses. A manifest that fails to load is
// returned as a ConfigError before anything is spawned.
func Run(opts Options) error {
	m, err := manifest.Load(opts.ManifestFile)
	if err != nil {
		return err
	}
	settings := m.Settings

	output := logcollection.NewOutputManager(settings.LogDirectory, logcollection.RotationConfig{})
	logger := opts.Logger
	if logger == nil {
		zapLogger, err := NewZapLogger(settings, output)
		if err != nil {
			return errors.NewConfigError("invalid logging settings", err).WithContext("filename", opts.ManifestFile)
		}
		defer zapLogger.Close()
		logger = logging.FromLogger("module: hsu-supervisor , ", zapLogger)
	}

	logger.Infof("Supervisor runner starting...")
	logger.Infof("Using MANIFEST FILE: %s", opts.ManifestFile)
	summary := m.Summary()
	logger.Infof("Manifest loaded, services: %d, daemons: %d, once: %d, http probed: %d",
		summary.TotalServices, summary.ServicesByKind[string(manifest.KindDaemon)],
		summary.ServicesByKind[string(manifest.KindOnce)], summary.HTTPProbed)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warnf("Metrics are disabled, error: %v", err)
	}

	if settings.PIDDirectory != "" {
		if err := processfile.ValidateDirectory(settings.PIDDirectory); err != nil {
			return errors.NewConfigError("invalid pid_directory", err).WithContext("filename", opts.ManifestFile)
		}
	}

	var sink history.Sink
	if settings.HistoryDSN != "" {
		store, err := history.NewSinkFromDSN(settings.HistoryDSN)
		if err != nil {
			return errors.NewConfigError("failed to open history store", err).WithContext("filename", opts.ManifestFile)
		}
		async := history.NewAsyncSink(store, history.DefaultBufferSize, logger)
		defer func() {
			if err := async.Close(); err != nil {
				logger.Warnf("Failed to close history store, error: %v", err)
			}
		}()
		sink = async
		logger.Infof("Recording state history")
	}

	sup, err := supervisor.New(m, supervisor.Options{
		Logger:       logger,
		Output:       output,
		ProcessFiles: processfile.NewProcessFileManager(settings.PIDDirectory, logger),
		History:      sink,
	})
	if err != nil {
		return err
	}

	address := settings.ControlAddress
	if opts.ControlAddress != "" {
		address = opts.ControlAddress
	}
	var server *control.Server
	var serverErrors <-chan error
	if address != "" && address != "-" {
		server, err = control.NewServer(address, domain.NewSupervisorContract(sup), logger)
		if err != nil {
			return err
		}
		server.Start()
		serverErrors = server.Errors()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), control.DefaultShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warnf("Control server shutdown failed, error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var timeout <-chan time.Time
	if opts.RunDuration > 0 {
		duration := time.Duration(opts.RunDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	logger.Infof("Enabling signal handling...")
	sig := make(chan os.Signal, 1)
	signals := opts.Signals
	if signals == nil {
		signals = defaultSignals()
	}
	signal.Notify(sig, signals...)
	defer signal.Stop(sig)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	logger.Infof("Supervisor is ready")

	select {
	case receivedSignal := <-sig:
		logger.Infof("Supervisor runner received signal: %v", receivedSignal)
	case <-timeout:
		logger.Infof("Supervisor runner timed out")
	case err := <-serverErrors:
		if err != nil {
			logger.Errorf("Control server failed, shutting down, error: %v", err)
		}
	case err := <-done:
		// Run only returns early on misuse
		return err
	}

	logger.Infof("Ready to stop supervisor...")
	cancel()
	if err := <-done; err != nil {
		return err
	}

	logger.Infof("Supervisor runner stopped")
	return nil
}

// ValidateManifestFile loads and validates a manifest without running anything
func ValidateManifestFile(filename string) (*manifest.Manifest, error) {
	return manifest.Load(filename)
}

// NewZapLogger builds the supervisor's own logger from the manifest settings.
// With a log directory configured it writes a rotated supervisor.log there.
func NewZapLogger(settings manifest.SupervisorConfig, output *logcollection.OutputManager) (*logcollection.ZapAdapter, error) {
	config := logcollection.DefaultZapConfig()
	config.Level = settings.LogLevel
	config.Format = settings.LogFormat
	if path := output.SupervisorLogPath(); path != "" {
		if err := os.MkdirAll(settings.LogDirectory, 0755); err != nil {
			return nil, errors.NewIOError("failed to create log directory", err).WithContext("log_directory", settings.LogDirectory)
		}
		config.Output = path
	}
	return logcollection.NewZapAdapter(config)
}

func defaultSignals() []os.Signal {
	if runtime.GOOS == "windows" {
		return []os.Signal{os.Interrupt}
	}
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
