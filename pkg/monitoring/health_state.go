package monitoring

import "time"

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

// HealthCheckState accumulates samples for one process instance
type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// Record applies one sample. It reports true exactly once per failure streak:
// on the sample that brings ConsecutiveFailures up to threshold.
func (s *HealthCheckState) Record(result Result, threshold int) bool {
	if threshold < 1 {
		threshold = 1
	}
	s.LastCheck = result.CheckedAt
	s.Message = result.Message

	if result.Healthy {
		s.Status = HealthCheckStatusHealthy
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		return false
	}

	s.Status = HealthCheckStatusUnhealthy
	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++
	return s.ConsecutiveFailures == threshold
}

// Reset clears counters, used when a new process instance starts
func (s *HealthCheckState) Reset() {
	*s = HealthCheckState{Status: HealthCheckStatusUnknown}
}
