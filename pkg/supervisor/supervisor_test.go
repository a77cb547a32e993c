package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/manifest"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
)

func TestNew_AllServicesPending(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("db"), once("migrate"), daemon("api"))

	snap := env.sup.Snapshot()
	assert.False(t, snap.Running)
	assert.Nil(t, snap.StartedAt)
	require.Len(t, snap.Services, 3)
	assert.Equal(t, []string{"db", "migrate", "api"}, []string{snap.Services[0].ID, snap.Services[1].ID, snap.Services[2].ID})
	for _, st := range snap.Services {
		assert.Equal(t, StatusPending, st.Status)
		assert.Zero(t, st.RestartCount)
		assert.Zero(t, st.PID)
		assert.Nil(t, st.LastExitCode)
	}
	assert.Empty(t, env.spawner.callLog())
}

func TestNew_RejectsInvalidManifest(t *testing.T) {
	tests := []struct {
		name     string
		services []manifest.ServiceSpec
	}{
		{name: "no services"},
		{name: "duplicate id", services: []manifest.ServiceSpec{daemon("api"), daemon("api")}},
		{name: "empty command", services: []manifest.ServiceSpec{{ID: "api", Kind: manifest.KindDaemon}}},
		{name: "unknown kind", services: []manifest.ServiceSpec{{ID: "api", Kind: "cron", Command: manifest.Command{"x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, err := New(&manifest.Manifest{Services: tt.services, Settings: testSettings()}, Options{Logger: newMockLogger()})
			require.Error(t, err)
			assert.Nil(t, sup)
			assert.True(t, errors.IsConfigError(err), "expected ConfigError, got %v", err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  api:\n    command: ./api\n"), 0644))

	sup, err := Load(path, Options{Logger: newMockLogger(), Spawner: newFakeSpawner(), Prober: newFakeProber()})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sup.Status()["api"].Status)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	assert.True(t, errors.IsConfigError(err))
}

func TestRun_HealthyWithinOneTick(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("api"))
	env.run(t)

	require.Eventually(t, func() bool {
		st, _ := env.sup.ServiceStatus("api")
		return st.Status == StatusHealthy
	}, 2*testInterval+200*time.Millisecond, time.Millisecond)

	st := env.status(t, "api")
	assert.Equal(t, env.spawner.lastHandle("api").PID(), st.PID)
	assert.NotNil(t, st.StartedAt)
	assert.NotNil(t, st.LastHealthCheckAt)
	assert.Equal(t, 1, env.spawner.spawnCount("api"))
	assert.Equal(t, []string{"pending->starting", "starting->healthy"}, env.sink.transitions("api"))
}

func TestRun_OnceServiceCompletesAndIsNeverRelaunched(t *testing.T) {
	env := newTestEnv(t, testSettings(), once("migrate"))
	env.spawner.exitCodes["migrate"] = 0
	env.run(t)

	env.waitStatus(t, "migrate", StatusCompleted)
	time.Sleep(10 * testInterval)

	st := env.status(t, "migrate")
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode)
	assert.Zero(t, st.PID)
	assert.Equal(t, 1, env.spawner.spawnCount("migrate"))
}

func TestRun_OnceServiceNonZeroExitFails(t *testing.T) {
	spec := once("migrate")
	spec.RestartOnFailure = false
	env := newTestEnv(t, testSettings(), spec)
	env.spawner.exitCodes["migrate"] = 2
	env.run(t)

	env.waitStatus(t, "migrate", StatusFailed)
	time.Sleep(5 * testInterval)

	st := env.status(t, "migrate")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 2, *st.LastExitCode)
	assert.Contains(t, st.LastError, "exited with code 2")
	assert.Equal(t, 1, env.spawner.spawnCount("migrate"))
}

func TestRun_DaemonExitRestartsUntilLimit(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("api"))
	env.spawner.exitCodes["api"] = 1
	env.run(t)

	require.Eventually(t, func() bool {
		st, _ := env.sup.ServiceStatus("api")
		return st.Status == StatusFailed && st.RestartCount == 3 && env.spawner.spawnCount("api") == 4
	}, 3*time.Second, time.Millisecond)

	time.Sleep(10 * testInterval)

	first := env.sup.Status()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first["api"].RestartCount, env.sup.Status()["api"].RestartCount)
	}
	st := env.status(t, "api")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 3, st.RestartCount)
	assert.Nil(t, st.NextLaunchAt)
	assert.Equal(t, 4, env.spawner.spawnCount("api"))
}

func TestRun_RestartDisabled(t *testing.T) {
	spec := daemon("api")
	spec.RestartOnFailure = false
	env := newTestEnv(t, testSettings(), spec)
	env.spawner.exitCodes["api"] = 1
	env.run(t)

	env.waitStatus(t, "api", StatusFailed)
	time.Sleep(5 * testInterval)
	assert.Equal(t, 1, env.spawner.spawnCount("api"))
	assert.Zero(t, env.status(t, "api").RestartCount)
}

func TestRun_SpawnFailureFollowsRestartPolicy(t *testing.T) {
	settings := testSettings()
	settings.MaxRestartAttempts = 2
	env := newTestEnv(t, settings, daemon("api"), daemon("web"))
	env.spawner.failures["api"] = true
	env.run(t)

	require.Eventually(t, func() bool {
		st, _ := env.sup.ServiceStatus("api")
		return st.Status == StatusFailed && st.RestartCount == 2
	}, 3*time.Second, time.Millisecond)
	time.Sleep(5 * testInterval)

	st := env.status(t, "api")
	assert.Equal(t, 3, env.spawner.spawnCount("api"))
	assert.Contains(t, st.LastError, "failed to start command")

	// other services are unaffected
	env.waitStatus(t, "web", StatusHealthy)
}

func TestRun_EqualDelaysLaunchInManifestOrder(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("c"), daemon("a"), daemon("b"))
	env.run(t)

	require.Eventually(t, func() bool { return len(env.spawner.callLog()) == 3 }, time.Second, time.Millisecond)
	calls := env.spawner.callLog()
	assert.Equal(t, []string{"c", "a", "b"}, []string{calls[0].id, calls[1].id, calls[2].id})
}

func TestRun_StartDelayOrdering(t *testing.T) {
	a, b, c := daemon("a"), daemon("b"), daemon("c")
	a.StartDelaySeconds = 1
	c.StartDelaySeconds = 1
	env := newTestEnv(t, testSettings(), a, b, c)
	env.run(t)
	startedAt := *env.sup.Snapshot().StartedAt

	require.Eventually(t, func() bool { return len(env.spawner.callLog()) == 3 }, 3*time.Second, 5*time.Millisecond)
	calls := env.spawner.callLog()
	assert.Equal(t, []string{"b", "a", "c"}, []string{calls[0].id, calls[1].id, calls[2].id})
	assert.GreaterOrEqual(t, calls[1].at.Sub(startedAt), time.Second)
	assert.False(t, calls[2].at.Before(calls[1].at))
}

func TestRun_HealthFailuresTriggerExactlyOneRestart(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("api"))
	env.prober.script("api", false, false, false, true)
	env.run(t)

	require.Eventually(t, func() bool {
		st, _ := env.sup.ServiceStatus("api")
		return env.spawner.spawnCount("api") == 2 && st.Status == StatusHealthy
	}, 3*time.Second, time.Millisecond)
	time.Sleep(10 * testInterval)

	assert.Equal(t, 2, env.spawner.spawnCount("api"))
	first := env.spawner.handlesFor("api")[0]
	assert.Equal(t, int32(1), first.terminates.Load())

	st := env.status(t, "api")
	assert.Equal(t, StatusHealthy, st.Status)
	assert.Zero(t, st.RestartCount, "restart count resets on entering healthy")
	assert.Zero(t, st.ConsecutiveFailures)

	transitions := env.sink.transitions("api")
	assert.Contains(t, transitions, "starting->unhealthy")
	assert.Contains(t, transitions, "unhealthy->failed")
	assert.Contains(t, transitions, "failed->starting")
}

func TestRun_UnhealthyBelowThresholdRecovers(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("api"))
	env.prober.script("api", true, false, false, true)
	env.run(t)

	env.waitStatus(t, "api", StatusUnhealthy)
	env.waitStatus(t, "api", StatusHealthy)
	time.Sleep(5 * testInterval)
	assert.Equal(t, 1, env.spawner.spawnCount("api"))
}

func TestRun_PortNotBoundWithinGraceKeepsStarting(t *testing.T) {
	settings := testSettings()
	settings.PortBindGrace = time.Hour
	spec := daemon("api")
	spec.Port = 8080
	env := newTestEnv(t, settings, spec)
	env.prober.setBound("api", false)
	env.run(t)

	require.Eventually(t, func() bool { return env.prober.probeCount("api") >= 2*settings.UnhealthyThreshold },
		time.Second, time.Millisecond)
	st := env.status(t, "api")
	assert.Equal(t, StatusStarting, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.NotNil(t, st.LastHealthCheckAt)
	assert.Equal(t, 1, env.spawner.spawnCount("api"))

	env.prober.setBound("api", true)
	env.waitStatus(t, "api", StatusHealthy)

	// once bound, later samples no longer dial the port
	checks := env.prober.portCheckCount("api")
	env.prober.setBound("api", false)
	time.Sleep(5 * testInterval)
	assert.Equal(t, checks, env.prober.portCheckCount("api"))
	assert.Equal(t, StatusHealthy, env.status(t, "api").Status)
}

func TestRun_PortNeverBoundFailsAfterGrace(t *testing.T) {
	settings := testSettings()
	settings.PortBindGrace = 0
	spec := daemon("api")
	spec.Port = 8080
	env := newTestEnv(t, settings, spec)
	env.prober.setBound("api", false)
	env.run(t)

	require.Eventually(t, func() bool {
		st, _ := env.sup.ServiceStatus("api")
		return env.spawner.spawnCount("api") == 4 && st.Status == StatusFailed && st.PID == 0
	}, 5*time.Second, time.Millisecond)
	time.Sleep(5 * testInterval)

	st := env.status(t, "api")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, settings.MaxRestartAttempts, st.RestartCount)
	assert.Contains(t, st.LastError, "port 8080 is not bound")
	assert.Equal(t, 4, env.spawner.spawnCount("api"))
	assert.Contains(t, env.sink.transitions("api"), "starting->unhealthy")
}

func TestStop_IsStickyUntilStart(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("api"))
	env.run(t)
	env.waitStatus(t, "api", StatusHealthy)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.sup.Stop(ctx, "api"))

	st := env.status(t, "api")
	assert.Equal(t, StatusStopped, st.Status)
	assert.Zero(t, st.PID)
	assert.Equal(t, int32(1), env.spawner.lastHandle("api").terminates.Load())

	time.Sleep(10 * testInterval)
	assert.Equal(t, StatusStopped, env.status(t, "api").Status)
	assert.Equal(t, 1, env.spawner.spawnCount("api"))

	// stopping again is a no-op
	require.NoError(t, env.sup.Stop(ctx, "api"))
	assert.Equal(t, StatusStopped, env.status(t, "api").Status)

	require.NoError(t, env.sup.Start(ctx, "api"))
	env.waitStatus(t, "api", StatusHealthy)
	assert.Equal(t, 2, env.spawner.spawnCount("api"))
	assert.Zero(t, env.status(t, "api").RestartCount)
}

func TestStop_EscalatesToKill(t *testing.T) {
	settings := testSettings()
	settings.StopGracePeriod = 30 * time.Millisecond
	env := newTestEnv(t, settings, daemon("api"))
	env.spawner.ignoreTerm["api"] = true
	env.run(t)
	env.waitStatus(t, "api", StatusHealthy)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.sup.Stop(ctx, "api"), "a grace period timeout is not surfaced to the caller")

	h := env.spawner.lastHandle("api")
	assert.Equal(t, int32(1), h.terminates.Load())
	assert.Equal(t, int32(1), h.kills.Load())
	assert.Equal(t, StatusStopped, env.status(t, "api").Status)

	env.logger.AssertCalled(t, "Warnf",
		"Service was killed after the grace period, service: %s, attempt: %d, error: %v",
		mock.MatchedBy(func(args []interface{}) bool {
			return len(args) == 3 && args[0] == "api" && args[1] == 0 && errors.IsStopTimeoutError(args[2].(error))
		}))
}

func TestStopAndStart_VisibleInStatusOnReturn(t *testing.T) {
	idle := daemon("idle")
	idle.StartDelaySeconds = 60
	env := newTestEnv(t, testSettings(), daemon("api"), idle)
	env.run(t)
	env.waitStatus(t, "api", StatusHealthy)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, env.sup.Stop(ctx, "api"))
		assert.Equal(t, StatusStopped, env.status(t, "api").Status, "after Stop, round %d", i)
		assert.Equal(t, StatusStopped, env.sup.Status()["api"].Status)

		require.NoError(t, env.sup.Start(ctx, "api"))
		assert.NotEqual(t, StatusStopped, env.status(t, "api").Status, "after Start, round %d", i)
		env.waitStatus(t, "api", StatusHealthy)
	}

	// pending, so there is no process to terminate
	require.NoError(t, env.sup.Stop(ctx, "idle"))
	assert.Equal(t, StatusStopped, env.status(t, "idle").Status)
}

func TestStop_PendingServiceNeverLaunches(t *testing.T) {
	spec := daemon("api")
	spec.StartDelaySeconds = 1
	env := newTestEnv(t, testSettings(), spec)
	env.run(t)

	require.NoError(t, env.sup.Stop(context.Background(), "api"))
	assert.Equal(t, StatusStopped, env.status(t, "api").Status)
	assert.Nil(t, env.status(t, "api").NextLaunchAt)

	time.Sleep(1200 * time.Millisecond)
	assert.Zero(t, env.spawner.spawnCount("api"))
}

func TestStop_CompletedServiceStaysCompleted(t *testing.T) {
	env := newTestEnv(t, testSettings(), once("migrate"))
	env.spawner.exitCodes["migrate"] = 0
	env.run(t)
	env.waitStatus(t, "migrate", StatusCompleted)

	require.NoError(t, env.sup.Stop(context.Background(), "migrate"))
	assert.Equal(t, StatusCompleted, env.status(t, "migrate").Status)
}

func TestStopAll(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("db"), daemon("api"), daemon("web"))
	env.run(t)
	for _, id := range []string{"db", "api", "web"} {
		env.waitStatus(t, id, StatusHealthy)
	}

	require.NoError(t, env.sup.StopAll(context.Background()))
	for _, st := range env.sup.StatusList() {
		assert.Equal(t, StatusStopped, st.Status, st.ID)
	}
}

func TestCommands_Errors(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("api"))
	ctx := context.Background()

	err := env.sup.Stop(ctx, "api")
	assert.True(t, errors.IsConflictError(err), "not running yet: %v", err)

	env.run(t)
	env.waitStatus(t, "api", StatusHealthy)

	err = env.sup.Stop(ctx, "nope")
	assert.True(t, errors.IsNotFoundError(err))

	err = env.sup.Start(ctx, "api")
	assert.True(t, errors.IsConflictError(err), "already active: %v", err)

	_, err = env.sup.ServiceStatus("nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStart_FailedServiceResetsRestartCount(t *testing.T) {
	settings := testSettings()
	settings.MaxRestartAttempts = 1
	env := newTestEnv(t, settings, daemon("api"))
	env.spawner.exitCodes["api"] = 1
	env.run(t)

	require.Eventually(t, func() bool {
		st, _ := env.sup.ServiceStatus("api")
		return st.Status == StatusFailed && st.RestartCount == 1
	}, 3*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return env.spawner.spawnCount("api") == 2 }, time.Second, time.Millisecond)

	env.spawner.mutex.Lock()
	delete(env.spawner.exitCodes, "api")
	env.spawner.mutex.Unlock()
	require.NoError(t, env.sup.Start(context.Background(), "api"))
	env.waitStatus(t, "api", StatusHealthy)
	assert.Equal(t, 3, env.spawner.spawnCount("api"))
	assert.Zero(t, env.status(t, "api").RestartCount)
}

func TestRun_OnlyOnce(t *testing.T) {
	env := newTestEnv(t, testSettings(), daemon("api"))
	stop := env.run(t)
	stop()

	err := env.sup.Run(context.Background())
	assert.True(t, errors.IsConflictError(err))
}

func TestRun_ShutdownStopsEverything(t *testing.T) {
	spec := daemon("late")
	spec.StartDelaySeconds = 60
	env := newTestEnv(t, testSettings(), daemon("api"), spec, once("migrate"))
	env.spawner.exitCodes["migrate"] = 0
	stop := env.run(t)
	env.waitStatus(t, "api", StatusHealthy)
	env.waitStatus(t, "migrate", StatusCompleted)

	stop()

	snap := env.sup.Snapshot()
	assert.False(t, snap.Running)
	status := snap.Map()
	assert.Equal(t, StatusStopped, status["api"].Status)
	assert.Equal(t, StatusStopped, status["late"].Status)
	assert.Equal(t, StatusCompleted, status["migrate"].Status)
	assert.Equal(t, int32(1), env.spawner.lastHandle("api").terminates.Load())

	err := env.sup.Stop(context.Background(), "api")
	assert.True(t, errors.IsConflictError(err))
}

func TestStatus_SnapshotIsImmutable(t *testing.T) {
	env := newTestEnv(t, testSettings(), once("migrate"))
	env.spawner.exitCodes["migrate"] = 0
	env.run(t)
	env.waitStatus(t, "migrate", StatusCompleted)

	status := env.sup.Status()
	st := status["migrate"]
	*st.LastExitCode = 99
	st.Status = StatusFailed
	status["migrate"] = st

	list := env.sup.StatusList()
	list[0].RestartCount = 42

	again := env.status(t, "migrate")
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, 0, *again.LastExitCode)
	assert.Zero(t, again.RestartCount)
}

func TestRun_ChildEnvironment(t *testing.T) {
	settings := testSettings()
	settings.Environment = map[string]string{"PORT_BASE": "9000", "MODE": "supervised"}
	spec := daemon("api")
	spec.Environment = map[string]string{"MODE": "dev", "API_PORT": "${PORT_BASE}1"}
	env := newTestEnv(t, settings, spec)
	env.run(t)

	require.Eventually(t, func() bool { return env.spawner.spawnCount("api") == 1 }, time.Second, time.Millisecond)
	req := env.spawner.callLog()[0].req

	mode, _ := process.LookupEnv(req.Environment, "MODE")
	assert.Equal(t, "supervised", mode)
	port, _ := process.LookupEnv(req.Environment, "API_PORT")
	assert.Equal(t, "90001", port)
	path, _ := process.LookupEnv(req.Environment, "PATH")
	assert.Equal(t, "/usr/bin", path)
	assert.Equal(t, []string(spec.Command), req.Command)
}

func TestRun_ProcessFiles(t *testing.T) {
	dir := t.TempDir()
	spec := daemon("api")
	spec.Port = 8080
	spawner := newFakeSpawner()
	sup, err := New(&manifest.Manifest{Services: []manifest.ServiceSpec{spec}, Settings: testSettings()}, Options{
		Logger:       newMockLogger(),
		Spawner:      spawner,
		Prober:       newFakeProber(),
		ProcessFiles: processfile.NewProcessFileManager(dir, nil),
	})
	require.NoError(t, err)
	env := &testEnv{sup: sup, spawner: spawner}
	env.run(t)
	env.waitStatus(t, "api", StatusHealthy)

	files := processfile.NewProcessFileManager(dir, nil)
	pid, err := files.ReadPIDFile("api")
	require.NoError(t, err)
	assert.Equal(t, spawner.lastHandle("api").PID(), pid)
	port, err := files.ReadPortFile("api")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	require.NoError(t, sup.Stop(context.Background(), "api"))
	_, err = os.Stat(files.PIDFilePath("api"))
	assert.True(t, os.IsNotExist(err))
}
