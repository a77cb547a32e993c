package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/history"
	"github.com/core-tools/hsu-supervisor/pkg/logcollection"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/manifest"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
)

// Options carries the collaborators of a Supervisor. Zero values select the
// real implementations configured from the manifest settings.
type Options struct {
	Logger       logging.Logger
	Spawner      process.Spawner
	Prober       monitoring.Prober
	Output       *logcollection.OutputManager
	ProcessFiles *processfile.ProcessFileManager
	History      history.Sink
	// Environ is the inherited environment for children; nil means os.Environ()
	Environ []string
}

type commandKind int

const (
	commandStop commandKind = iota
	commandStart
)

type command struct {
	kind  commandKind
	id    string
	reply chan error
}

type exitEvent struct {
	id         string
	generation int
	exitCode   int
}

type terminateResult struct {
	id         string
	generation int
	err        error
}

// Supervisor owns the lifecycle of every service of one manifest for one run.
// All runtime state is owned by the goroutine executing Run; other goroutines
// observe it only through immutable snapshots.
type Supervisor struct {
	settings manifest.SupervisorConfig
	services []*serviceEntry
	index    map[string]*serviceEntry

	logger       logging.Logger
	spawner      process.Spawner
	prober       monitoring.Prober
	output       *logcollection.OutputManager
	processFiles *processfile.ProcessFileManager
	history      history.Sink
	environ      []string
	restart      restartPolicy

	snapshot atomic.Pointer[Snapshot]
	started  atomic.Bool
	running  atomic.Bool
	quit     chan struct{}

	commands   chan command
	exits      chan exitEvent
	terminated chan terminateResult
	workers    sync.WaitGroup

	startedAt time.Time
}

type serviceEntry struct {
	spec   manifest.ServiceSpec
	state  ServiceState
	health monitoring.HealthCheckState
	probe  monitoring.HealthCheckConfig

	handle     process.Handle
	generation int
	// the declared port answered since the last launch
	portBound bool

	nextLaunch     time.Time
	pendingRestart bool

	// a terminate goroutine is in flight for the current handle
	terminating bool
	// an explicit stop was requested; the service ends in stopped
	stopping    bool
	stopWaiters []chan error
}

// Load reads a manifest file and creates a Supervisor for it
func Load(filename string, opts Options) (*Supervisor, error) {
	m, err := manifest.Load(filename)
	if err != nil {
		return nil, err
	}
	return New(m, opts)
}

// New validates m and creates a Supervisor with every service pending.
// Nothing is spawned until Run. A ConfigError is returned for an invalid
// manifest and no state is created.
func New(m *manifest.Manifest, opts Options) (*Supervisor, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	settings := m.Settings
	restartConfig := monitoring.RestartConfig{
		Enabled:     true,
		MaxRetries:  settings.MaxRestartAttempts,
		RetryDelay:  settings.RestartDelay,
		BackoffRate: settings.RestartBackoffRate,
		MaxDelay:    settings.MaxRestartDelay,
	}
	if err := monitoring.ValidateRestartConfig(restartConfig); err != nil {
		return nil, errors.NewConfigError("invalid restart settings", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Supervisor{
		settings:     settings,
		index:        make(map[string]*serviceEntry, len(m.Services)),
		logger:       logger,
		spawner:      opts.Spawner,
		prober:       opts.Prober,
		output:       opts.Output,
		processFiles: opts.ProcessFiles,
		history:      opts.History,
		environ:      opts.Environ,
		restart:      newRestartPolicy(restartConfig),
		quit:         make(chan struct{}),
		commands:     make(chan command),
		exits:        make(chan exitEvent, len(m.Services)),
		terminated:   make(chan terminateResult, len(m.Services)),
	}
	if s.spawner == nil {
		s.spawner = process.NewExecSpawner(logger)
	}
	if s.prober == nil {
		s.prober = monitoring.NewProber(settings.HealthCheckTimeout, logger)
	}
	if s.output == nil {
		s.output = logcollection.NewOutputManager(settings.LogDirectory, logcollection.RotationConfig{})
	}
	if s.processFiles == nil {
		s.processFiles = processfile.NewProcessFileManager(settings.PIDDirectory, logger)
	}

	for _, spec := range m.Services {
		probe := monitoring.ConfigForURL(spec.HealthCheck)
		if err := monitoring.ValidateHealthCheckConfig(probe); err != nil {
			return nil, errors.NewConfigError("invalid health check", err).WithContext("service", spec.ID)
		}
		entry := &serviceEntry{
			spec:  spec,
			probe: probe,
			state: ServiceState{
				ID:          spec.ID,
				DisplayName: spec.DisplayName,
				Kind:        spec.Kind,
				Port:        spec.Port,
				HealthCheck: spec.HealthCheck,
				Status:      StatusPending,
			},
		}
		entry.health.Reset()
		s.services = append(s.services, entry)
		s.index[spec.ID] = entry
	}

	s.publish()
	logger.Infof("Supervisor loaded, services: %d", len(s.services))
	return s, nil
}

// Settings returns the effective supervisor configuration
func (s *Supervisor) Settings() manifest.SupervisorConfig {
	return s.settings
}

// Snapshot returns the latest published state. It never blocks on the control loop.
func (s *Supervisor) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Status returns id -> state from the latest snapshot
func (s *Supervisor) Status() map[string]ServiceState {
	return s.Snapshot().Map()
}

// StatusList returns the latest states in manifest order
func (s *Supervisor) StatusList() []ServiceState {
	snap := s.Snapshot()
	out := make([]ServiceState, len(snap.Services))
	for i, st := range snap.Services {
		out[i] = st.clone()
	}
	return out
}

// ServiceStatus returns the latest state of one service
func (s *Supervisor) ServiceStatus(id string) (ServiceState, error) {
	st, ok := s.Snapshot().Get(id)
	if !ok {
		return ServiceState{}, errors.NewNotFoundError("service not found", nil).WithContext("service", id)
	}
	return st, nil
}

// Stop terminates one service gracefully (escalating to a forced kill after
// the grace period) and leaves it stopped. It returns once the process is gone.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	return s.send(ctx, commandStop, id)
}

// StopAll stops every service concurrently
func (s *Supervisor) StopAll(ctx context.Context) error {
	snap := s.Snapshot()
	errs := make([]error, len(snap.Services))
	var wg sync.WaitGroup
	for i, st := range snap.Services {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = s.Stop(ctx, id)
		}(i, st.ID)
	}
	wg.Wait()

	collection := errors.NewErrorCollection()
	for _, err := range errs {
		collection.Add(err)
	}
	return collection.ToError()
}

// Start relaunches a stopped, failed or completed service immediately and
// resets its restart count
func (s *Supervisor) Start(ctx context.Context, id string) error {
	return s.send(ctx, commandStart, id)
}

func (s *Supervisor) send(ctx context.Context, kind commandKind, id string) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	if _, ok := s.index[id]; !ok {
		return errors.NewNotFoundError("service not found", nil).WithContext("service", id)
	}
	if !s.running.Load() {
		return errors.NewConflictError("supervisor is not running", nil).WithContext("service", id)
	}

	cmd := command{kind: kind, id: id, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.quit:
		return errors.NewConflictError("supervisor is shutting down", nil).WithContext("service", id)
	case <-ctx.Done():
		return errors.NewCancelledError("request cancelled", ctx.Err()).WithContext("service", id)
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return errors.NewCancelledError("request cancelled while waiting", ctx.Err()).WithContext("service", id)
	}
}

// publish stores a fresh immutable copy of all states
func (s *Supervisor) publish() {
	snap := &Snapshot{
		Running:  s.running.Load(),
		TakenAt:  time.Now(),
		Services: make([]ServiceState, len(s.services)),
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	for i, e := range s.services {
		st := e.state
		st.ConsecutiveFailures = e.health.ConsecutiveFailures
		if e.nextLaunch.IsZero() {
			st.NextLaunchAt = nil
		} else {
			t := e.nextLaunch
			st.NextLaunchAt = &t
		}
		snap.Services[i] = st.clone()
	}
	s.snapshot.Store(snap)
}
