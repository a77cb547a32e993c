package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/history"
	"github.com/core-tools/hsu-supervisor/pkg/manifest"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
)

// Run drives the control loop until ctx is cancelled, then stops every
// running service and returns nil. A Supervisor runs at most once.
func (s *Supervisor) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.NewConflictError("supervisor has already been started", nil)
	}

	s.startedAt = time.Now()
	for _, e := range s.services {
		e.nextLaunch = s.startedAt.Add(e.spec.StartDelay())
	}
	interval := s.settings.HealthCheckInterval
	nextHealth := s.startedAt.Add(interval)
	s.running.Store(true)

	s.logger.Infof("Supervisor started, services: %d, health check interval: %v, max restart attempts: %d",
		len(s.services), interval, s.settings.MaxRestartAttempts)

	for {
		now := time.Now()
		s.launchDue(ctx, now)
		if !now.Before(nextHealth) {
			s.checkHealth(ctx)
			nextHealth = time.Now().Add(interval)
		}
		s.publish()

		timer := time.NewTimer(time.Until(s.nextWake(nextHealth)))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.shutdown()
			return nil
		case ev := <-s.exits:
			s.handleExit(ev)
		case res := <-s.terminated:
			s.handleTerminated(res)
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Supervisor) nextWake(nextHealth time.Time) time.Time {
	wake := nextHealth
	for _, e := range s.services {
		if !e.nextLaunch.IsZero() && e.nextLaunch.Before(wake) {
			wake = e.nextLaunch
		}
	}
	return wake
}

// launchDue spawns every service whose launch time has come, in manifest order
func (s *Supervisor) launchDue(ctx context.Context, now time.Time) {
	for _, e := range s.services {
		if e.nextLaunch.IsZero() || now.Before(e.nextLaunch) {
			continue
		}
		e.nextLaunch = time.Time{}
		if e.pendingRestart {
			e.pendingRestart = false
			e.state.RestartCount++
			metrics.IncRestart(e.spec.ID)
			s.logger.Infof("Restarting service, service: %s, attempt: %d/%d",
				e.spec.ID, e.state.RestartCount, s.settings.MaxRestartAttempts)
		}
		s.launch(ctx, e)
	}
}

func (s *Supervisor) launch(ctx context.Context, e *serviceEntry) {
	id := e.spec.ID
	e.generation++
	generation := e.generation

	env := process.BuildEnvironment(process.EnvironmentConfig{
		Inherited:     s.environ,
		Supervisor:    s.settings.Environment,
		Service:       e.spec.Environment,
		AllowOverride: s.settings.AllowEnvironmentOverride,
	})

	stdout, stderr, err := s.output.Writers(id)
	if err != nil {
		s.logger.Warnf("Child output will not be captured, service: %s, attempt: %d, error: %v", id, e.state.RestartCount, err)
		stdout, stderr = nil, nil
	}

	h, err := s.spawner.Spawn(ctx, process.SpawnRequest{
		ServiceID:        id,
		Command:          e.spec.Command,
		WorkingDirectory: e.spec.WorkingDirectory,
		Environment:      env,
		Stdout:           stdout,
		Stderr:           stderr,
	})
	if err != nil {
		metrics.IncSpawnFailure(id)
		s.logger.Errorf("Failed to spawn service, service: %s, attempt: %d, error: %v", id, e.state.RestartCount, err)
		e.state.LastError = err.Error()
		s.transition(e, StatusFailed)
		s.scheduleRestart(e)
		return
	}

	metrics.IncSpawn(id)
	startedAt := time.Now()
	e.handle = h
	e.portBound = false
	e.health.Reset()
	e.state.PID = h.PID()
	e.state.StartedAt = &startedAt
	e.state.LastError = ""

	if err := s.processFiles.WritePIDFile(id, h.PID()); err != nil {
		s.logger.Warnf("Failed to write PID file, service: %s, attempt: %d, error: %v", id, e.state.RestartCount, err)
	}
	if err := s.processFiles.WritePortFile(id, e.spec.Port); err != nil {
		s.logger.Warnf("Failed to write port file, service: %s, attempt: %d, error: %v", id, e.state.RestartCount, err)
	}

	s.transition(e, StatusStarting)

	s.workers.Add(1)
	go s.watch(id, generation, h)
}

// watch reports the exit of one process instance to the loop
func (s *Supervisor) watch(id string, generation int, h process.Handle) {
	defer s.workers.Done()
	select {
	case <-h.Done():
		select {
		case s.exits <- exitEvent{id: id, generation: generation, exitCode: h.ExitCode()}:
		case <-s.quit:
		}
	case <-s.quit:
	}
}

type probeJob struct {
	entry      *serviceEntry
	generation int
	target     monitoring.Target
}

// checkHealth probes every live service concurrently and applies the results
// in manifest order
func (s *Supervisor) checkHealth(ctx context.Context) {
	var jobs []probeJob
	for _, e := range s.services {
		if !s.probeable(e) {
			continue
		}
		target := monitoring.Target{ServiceID: e.spec.ID, PID: e.state.PID, Config: e.probe}
		if !e.portBound {
			target.Port = e.spec.Port
		}
		jobs = append(jobs, probeJob{entry: e, generation: e.generation, target: target})
	}
	if len(jobs) == 0 {
		return
	}

	results := make([]monitoring.Result, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, target monitoring.Target) {
			defer wg.Done()
			results[i] = s.prober.Probe(ctx, target)
		}(i, job.target)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	for i, job := range jobs {
		e := job.entry
		if e.generation != job.generation || !s.probeable(e) {
			continue
		}
		select {
		case <-e.handle.Done():
			// the exit event decides what happens next
			continue
		default:
		}
		if s.awaitingPort(e, results[i]) {
			continue
		}
		s.applyHealthResult(e, results[i])
	}
}

// awaitingPort reports whether res is an unbound-port sample still inside the
// bind grace window; such samples do not count as failures
func (s *Supervisor) awaitingPort(e *serviceEntry, res monitoring.Result) bool {
	switch res.Port {
	case monitoring.PortBound:
		e.portBound = true
		return false
	case monitoring.PortUnbound:
	default:
		return false
	}
	if e.state.StartedAt == nil || time.Since(*e.state.StartedAt) >= s.settings.PortBindGrace {
		return false
	}
	checkedAt := res.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	e.state.LastHealthCheckAt = &checkedAt
	s.logger.Debugf("Waiting for port to be bound, service: %s, port: %d, grace period: %v, attempt: %d",
		e.spec.ID, e.spec.Port, s.settings.PortBindGrace, e.state.RestartCount)
	return true
}

func (s *Supervisor) probeable(e *serviceEntry) bool {
	if e.handle == nil || e.terminating || e.stopping {
		return false
	}
	switch e.state.Status {
	case StatusStarting, StatusHealthy, StatusUnhealthy:
		return true
	}
	return false
}

func (s *Supervisor) applyHealthResult(e *serviceEntry, res monitoring.Result) {
	id := e.spec.ID
	metrics.ObserveHealthCheck(id, res.Healthy, res.Duration.Seconds())
	checkedAt := res.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	e.state.LastHealthCheckAt = &checkedAt

	threshold := s.settings.UnhealthyThreshold
	tripped := e.health.Record(res, threshold)
	if res.Healthy {
		s.transition(e, StatusHealthy)
		return
	}

	s.logger.Warnf("Health check failed, service: %s, failures: %d/%d, attempt: %d, error: %v",
		id, e.health.ConsecutiveFailures, threshold, e.state.RestartCount, res.Err)

	if !tripped {
		s.transition(e, StatusUnhealthy)
		return
	}

	e.state.LastError = fmt.Sprintf("%d consecutive health check failures: %s", threshold, res.Message)
	s.logger.Errorf("Service unhealthy, terminating, service: %s, pid: %d, attempt: %d",
		id, e.state.PID, e.state.RestartCount)
	s.transition(e, StatusFailed)
	s.terminate(e)
}

// terminate stops the current process of e off the loop goroutine
func (s *Supervisor) terminate(e *serviceEntry) {
	e.terminating = true
	id, generation, h := e.spec.ID, e.generation, e.handle
	grace := s.settings.StopGracePeriod

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		err := process.TerminateGracefully(context.Background(), h, grace, id, s.logger)
		select {
		case s.terminated <- terminateResult{id: id, generation: generation, err: err}:
		case <-s.quit:
		}
	}()
}

func (s *Supervisor) handleExit(ev exitEvent) {
	e := s.index[ev.id]
	if e == nil || ev.generation != e.generation || e.handle == nil || e.terminating {
		return
	}
	id := e.spec.ID
	s.clearProcess(e, ev.exitCode)

	if e.spec.Kind == manifest.KindOnce && ev.exitCode == 0 {
		metrics.IncExit(id, string(StatusCompleted))
		s.logger.Infof("Service completed, service: %s, attempt: %d", id, e.state.RestartCount)
		s.transition(e, StatusCompleted)
		return
	}

	metrics.IncExit(id, string(StatusFailed))
	e.state.LastError = fmt.Sprintf("process exited with code %d", ev.exitCode)
	s.logger.Warnf("Service exited, service: %s, exit code: %d, attempt: %d", id, ev.exitCode, e.state.RestartCount)
	s.transition(e, StatusFailed)
	s.scheduleRestart(e)
}

func (s *Supervisor) handleTerminated(res terminateResult) {
	e := s.index[res.id]
	if e == nil || res.generation != e.generation || e.handle == nil {
		return
	}
	id := e.spec.ID

	exitCode := -1
	select {
	case <-e.handle.Done():
		exitCode = e.handle.ExitCode()
	default:
		s.logger.Errorf("Process may still be running after termination, service: %s, pid: %d, attempt: %d",
			id, e.state.PID, e.state.RestartCount)
	}
	e.terminating = false
	s.clearProcess(e, exitCode)

	var replyErr error
	switch {
	case res.err == nil:
	case errors.IsStopTimeoutError(res.err):
		s.logger.Warnf("Service was killed after the grace period, service: %s, attempt: %d, error: %v",
			id, e.state.RestartCount, res.err)
	default:
		s.logger.Errorf("Failed to terminate service, service: %s, attempt: %d, error: %v", id, e.state.RestartCount, res.err)
		e.state.LastError = res.err.Error()
		replyErr = res.err
	}

	if e.stopping {
		metrics.IncExit(id, string(StatusStopped))
		e.stopping = false
		s.transition(e, StatusStopped)
		s.notifyStopWaiters(e, replyErr)
		return
	}

	metrics.IncExit(id, "unhealthy")
	s.scheduleRestart(e)
}

func (s *Supervisor) clearProcess(e *serviceEntry, exitCode int) {
	e.handle = nil
	e.state.PID = 0
	code := exitCode
	e.state.LastExitCode = &code
	if err := s.processFiles.RemoveAll(e.spec.ID); err != nil {
		s.logger.Debugf("Failed to remove process files, service: %s, error: %v", e.spec.ID, err)
	}
}

// scheduleRestart arms a relaunch when the policy allows one; otherwise the
// service stays failed until started explicitly
func (s *Supervisor) scheduleRestart(e *serviceEntry) {
	id := e.spec.ID
	if !e.spec.RestartOnFailure {
		s.logger.Infof("Restart on failure disabled, service stays failed, service: %s", id)
		return
	}
	if !s.restart.eligible(e.spec.RestartOnFailure, e.state.RestartCount) {
		s.logger.Errorf("Restart attempts exhausted, service stays failed, service: %s, attempt: %d/%d",
			id, e.state.RestartCount, s.settings.MaxRestartAttempts)
		return
	}
	delay := s.restart.delay(e.state.RestartCount)
	e.pendingRestart = true
	e.nextLaunch = time.Now().Add(delay)
	s.logger.Infof("Restart scheduled, service: %s, delay: %v, attempt: %d/%d",
		id, delay, e.state.RestartCount+1, s.settings.MaxRestartAttempts)
}

func (s *Supervisor) handleCommand(cmd command) {
	e := s.index[cmd.id]
	switch cmd.kind {
	case commandStop:
		s.handleStop(e, cmd.reply)
	case commandStart:
		err := s.handleStart(e)
		s.publish()
		cmd.reply <- err
	}
}

func (s *Supervisor) handleStop(e *serviceEntry, reply chan error) {
	e.nextLaunch = time.Time{}
	e.pendingRestart = false

	if e.handle != nil {
		s.logger.Infof("Stopping service, service: %s, pid: %d, attempt: %d", e.spec.ID, e.state.PID, e.state.RestartCount)
		e.stopping = true
		e.stopWaiters = append(e.stopWaiters, reply)
		if !e.terminating {
			s.terminate(e)
		}
		return
	}

	if e.state.Status != StatusCompleted {
		s.transition(e, StatusStopped)
	}
	s.publish()
	reply <- nil
}

func (s *Supervisor) handleStart(e *serviceEntry) error {
	if e.handle != nil || e.state.Status.Active() {
		return errors.NewConflictError("service is already active", nil).
			WithContext("service", e.spec.ID).
			WithContext("status", string(e.state.Status))
	}
	s.logger.Infof("Starting service on request, service: %s, previous status: %s", e.spec.ID, e.state.Status)
	e.pendingRestart = false
	e.state.RestartCount = 0
	e.state.LastError = ""
	e.health.Reset()
	e.nextLaunch = time.Now()
	s.transition(e, StatusPending)
	return nil
}

// notifyStopWaiters publishes first so a returned Stop is always visible in Status
func (s *Supervisor) notifyStopWaiters(e *serviceEntry, err error) {
	if len(e.stopWaiters) == 0 {
		return
	}
	s.publish()
	for _, w := range e.stopWaiters {
		w <- err
	}
	e.stopWaiters = nil
}

// transition moves e to status, resetting restart_count on entering healthy
func (s *Supervisor) transition(e *serviceEntry, to Status) {
	from := e.state.Status
	if from == to {
		return
	}
	e.state.Status = to
	if to == StatusHealthy {
		e.state.RestartCount = 0
	}

	metrics.RecordStateTransition(e.spec.ID, string(from), string(to))
	s.logger.Infof("Service state changed, service: %s, from: %s, to: %s, attempt: %d",
		e.spec.ID, from, to, e.state.RestartCount)

	if s.history == nil {
		return
	}
	event := history.Event{
		ServiceID:    e.spec.ID,
		From:         string(from),
		To:           string(to),
		PID:          e.state.PID,
		RestartCount: e.state.RestartCount,
		Error:        e.state.LastError,
		OccurredAt:   time.Now(),
	}
	if e.state.LastExitCode != nil {
		code := *e.state.LastExitCode
		event.ExitCode = &code
	}
	if err := s.history.Send(context.Background(), event); err != nil {
		s.logger.Warnf("Failed to record state change, service: %s, attempt: %d, error: %v", e.spec.ID, e.state.RestartCount, err)
	}
}

// shutdown terminates every live process concurrently and marks active services stopped
func (s *Supervisor) shutdown() {
	s.running.Store(false)
	s.logger.Infof("Shutting down supervisor, services: %d", len(s.services))

	type outcome struct {
		entry *serviceEntry
		err   error
	}
	var live []*serviceEntry
	for _, e := range s.services {
		if e.handle != nil {
			live = append(live, e)
		}
	}

	outcomes := make([]outcome, len(live))
	var wg sync.WaitGroup
	for i, e := range live {
		wg.Add(1)
		go func(i int, e *serviceEntry, h process.Handle) {
			defer wg.Done()
			err := process.TerminateGracefully(context.Background(), h, s.settings.StopGracePeriod, e.spec.ID, s.logger)
			outcomes[i] = outcome{entry: e, err: err}
		}(i, e, e.handle)
	}
	wg.Wait()

	for _, o := range outcomes {
		e := o.entry
		exitCode := -1
		select {
		case <-e.handle.Done():
			exitCode = e.handle.ExitCode()
		default:
		}
		switch {
		case o.err == nil:
		case errors.IsStopTimeoutError(o.err):
			s.logger.Warnf("Service was killed after the grace period, service: %s, attempt: %d, error: %v",
				e.spec.ID, e.state.RestartCount, o.err)
		default:
			s.logger.Errorf("Failed to terminate service during shutdown, service: %s, attempt: %d, error: %v",
				e.spec.ID, e.state.RestartCount, o.err)
		}
		e.terminating = false
		e.stopping = false
		s.clearProcess(e, exitCode)
	}

	for _, e := range s.services {
		e.nextLaunch = time.Time{}
		e.pendingRestart = false
		if e.state.Status.Active() {
			s.transition(e, StatusStopped)
		}
		s.notifyStopWaiters(e, nil)
	}

	close(s.quit)
	s.workers.Wait()
	s.publish()
	s.logger.Infof("Supervisor stopped")
}
