package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/history"
	"github.com/core-tools/hsu-supervisor/pkg/manifest"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

type fakeHandle struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool

	mutex      sync.Mutex
	exitCode   int
	terminates atomic.Int32
	kills      atomic.Int32
}

func newFakeHandle(pid int, ignoreTerm bool) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{}), ignoreTerm: ignoreTerm}
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.mutex.Lock()
		h.exitCode = code
		h.mutex.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitCode() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exitCode
}

func (h *fakeHandle) Terminate() error {
	h.terminates.Add(1)
	if !h.ignoreTerm {
		h.exit(-1)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.kills.Add(1)
	h.exit(-1)
	return nil
}

type spawnCall struct {
	id  string
	at  time.Time
	req process.SpawnRequest
}

// fakeSpawner records spawn calls. Services listed in exitCodes exit right
// after spawning; services in failures never start.
type fakeSpawner struct {
	mutex      sync.Mutex
	nextPID    int
	calls      []spawnCall
	handles    map[string][]*fakeHandle
	exitCodes  map[string]int
	failures   map[string]bool
	ignoreTerm map[string]bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPID:    1000,
		handles:    make(map[string][]*fakeHandle),
		exitCodes:  make(map[string]int),
		failures:   make(map[string]bool),
		ignoreTerm: make(map[string]bool),
	}
}

func (s *fakeSpawner) Spawn(_ context.Context, req process.SpawnRequest) (process.Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.calls = append(s.calls, spawnCall{id: req.ServiceID, at: time.Now(), req: req})
	if s.failures[req.ServiceID] {
		return nil, errors.NewSpawnError("failed to start command", nil).WithContext("service", req.ServiceID)
	}

	s.nextPID++
	h := newFakeHandle(s.nextPID, s.ignoreTerm[req.ServiceID])
	s.handles[req.ServiceID] = append(s.handles[req.ServiceID], h)
	if code, ok := s.exitCodes[req.ServiceID]; ok {
		h.exit(code)
	}
	return h, nil
}

func (s *fakeSpawner) spawnCount(id string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.id == id {
			n++
		}
	}
	return n
}

func (s *fakeSpawner) callLog() []spawnCall {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]spawnCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *fakeSpawner) handlesFor(id string) []*fakeHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*fakeHandle, len(s.handles[id]))
	copy(out, s.handles[id])
	return out
}

func (s *fakeSpawner) lastHandle(id string) *fakeHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	hs := s.handles[id]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// fakeProber answers from a per-service script; the last entry repeats.
// Services without a script are healthy. Declared ports count as bound
// unless unbind was called.
type fakeProber struct {
	mutex      sync.Mutex
	scripts    map[string][]bool
	calls      map[string]int
	unbound    map[string]bool
	portChecks map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		scripts:    make(map[string][]bool),
		calls:      make(map[string]int),
		unbound:    make(map[string]bool),
		portChecks: make(map[string]int),
	}
}

func (p *fakeProber) setBound(id string, bound bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.unbound[id] = !bound
}

func (p *fakeProber) portCheckCount(id string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.portChecks[id]
}

func (p *fakeProber) script(id string, results ...bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.scripts[id] = results
}

func (p *fakeProber) Probe(_ context.Context, target monitoring.Target) monitoring.Result {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.calls[target.ServiceID]++
	port := monitoring.PortNotChecked
	if target.Port > 0 {
		p.portChecks[target.ServiceID]++
		if p.unbound[target.ServiceID] {
			return monitoring.Result{
				Healthy:   false,
				Message:   fmt.Sprintf("port %d is not bound", target.Port),
				Err:       errors.NewHealthCheckError("port is not bound", nil).WithContext("service", target.ServiceID),
				Port:      monitoring.PortUnbound,
				CheckedAt: time.Now(),
			}
		}
		port = monitoring.PortBound
	}
	healthy := true
	if script := p.scripts[target.ServiceID]; len(script) > 0 {
		healthy = script[0]
		if len(script) > 1 {
			p.scripts[target.ServiceID] = script[1:]
		}
	}
	if healthy {
		return monitoring.Result{Healthy: true, Message: "200 OK", Port: port, CheckedAt: time.Now()}
	}
	return monitoring.Result{
		Healthy:   false,
		Message:   "500 Internal Server Error",
		Err:       errors.NewHealthCheckError("unexpected status code 500", nil).WithContext("service", target.ServiceID),
		Port:      port,
		CheckedAt: time.Now(),
	}
}

func (p *fakeProber) probeCount(id string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls[id]
}

type recordingSink struct {
	mutex  sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) transitions(id string) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []string
	for _, e := range r.events {
		if e.ServiceID == id {
			out = append(out, e.From+"->"+e.To)
		}
	}
	return out
}

const testInterval = 20 * time.Millisecond

func testSettings() manifest.SupervisorConfig {
	settings := manifest.DefaultSupervisorConfig()
	settings.HealthCheckInterval = testInterval
	settings.HealthCheckTimeout = time.Second
	settings.RestartDelay = 0
	settings.StopGracePeriod = 200 * time.Millisecond
	settings.MaxRestartAttempts = 3
	settings.UnhealthyThreshold = 3
	return settings
}

func daemon(id string) manifest.ServiceSpec {
	return manifest.ServiceSpec{
		ID:               id,
		DisplayName:      id,
		Command:          manifest.Command{"/usr/local/bin/" + id},
		Kind:             manifest.KindDaemon,
		RestartOnFailure: true,
	}
}

func once(id string) manifest.ServiceSpec {
	spec := daemon(id)
	spec.Kind = manifest.KindOnce
	return spec
}

type testEnv struct {
	sup     *Supervisor
	logger  *MockLogger
	spawner *fakeSpawner
	prober  *fakeProber
	sink    *recordingSink
}

func newTestEnv(t *testing.T, settings manifest.SupervisorConfig, services ...manifest.ServiceSpec) *testEnv {
	t.Helper()
	env := &testEnv{logger: newMockLogger(), spawner: newFakeSpawner(), prober: newFakeProber(), sink: &recordingSink{}}
	sup, err := New(&manifest.Manifest{Services: services, Settings: settings}, Options{
		Logger:  env.logger,
		Spawner: env.spawner,
		Prober:  env.prober,
		History: env.sink,
		Environ: []string{"PATH=/usr/bin"},
	})
	require.NoError(t, err)
	env.sup = sup
	return env
}

// run starts the loop and returns a function that cancels it and waits for Run to return
func (e *testEnv) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sup.Run(ctx) }()
	require.Eventually(t, func() bool { return e.sup.Snapshot().Running }, time.Second, time.Millisecond)

	var stopped atomic.Bool
	stop := func() {
		if !stopped.CompareAndSwap(false, true) {
			return
		}
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not shut down")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (e *testEnv) status(t *testing.T, id string) ServiceState {
	t.Helper()
	st, err := e.sup.ServiceStatus(id)
	require.NoError(t, err)
	return st
}

func (e *testEnv) waitStatus(t *testing.T, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, _ := e.sup.ServiceStatus(id)
		return st.Status == want
	}, 3*time.Second, time.Millisecond, "service %s never reached %s", id, want)
}
