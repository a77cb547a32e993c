package supervisor

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/manifest"
)

// Status is the lifecycle state of one service
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Active reports whether the service has, or is about to have, a live process
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusStarting, StatusHealthy, StatusUnhealthy:
		return true
	}
	return false
}

// ServiceState is a copy of one service's runtime state
type ServiceState struct {
	ID                  string               `json:"id"`
	DisplayName         string               `json:"display_name"`
	Kind                manifest.ServiceKind `json:"kind"`
	Port                int                  `json:"port,omitempty"`
	HealthCheck         string               `json:"health_check,omitempty"`
	Status              Status               `json:"status"`
	PID                 int                  `json:"pid,omitempty"`
	RestartCount        int                  `json:"restart_count"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastHealthCheckAt   *time.Time           `json:"last_health_check_at,omitempty"`
	LastExitCode        *int                 `json:"last_exit_code,omitempty"`
	StartedAt           *time.Time           `json:"started_at,omitempty"`
	NextLaunchAt        *time.Time           `json:"next_launch_at,omitempty"`
	LastError           string               `json:"last_error,omitempty"`
}

// Snapshot is an immutable view of every service, in manifest order
type Snapshot struct {
	Running   bool           `json:"running"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	TakenAt   time.Time      `json:"taken_at"`
	Services  []ServiceState `json:"services"`
}

// Get returns a copy of the state of one service
func (s *Snapshot) Get(id string) (ServiceState, bool) {
	for _, st := range s.Services {
		if st.ID == id {
			return st.clone(), true
		}
	}
	return ServiceState{}, false
}

// Map returns id -> state
func (s *Snapshot) Map() map[string]ServiceState {
	m := make(map[string]ServiceState, len(s.Services))
	for _, st := range s.Services {
		m[st.ID] = st.clone()
	}
	return m
}

// clone deep-copies pointer fields so the snapshot shares nothing with the loop
func (st ServiceState) clone() ServiceState {
	out := st
	out.LastHealthCheckAt = copyTime(st.LastHealthCheckAt)
	out.StartedAt = copyTime(st.StartedAt)
	out.NextLaunchAt = copyTime(st.NextLaunchAt)
	if st.LastExitCode != nil {
		code := *st.LastExitCode
		out.LastExitCode = &code
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
