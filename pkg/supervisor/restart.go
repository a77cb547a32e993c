package supervisor

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
)

// restartPolicy decides whether and when a failed service is relaunched.
// It is a fail-stop breaker: once the count reaches MaxRetries it stays open
// until the service is started explicitly.
type restartPolicy struct {
	config monitoring.RestartConfig
}

func newRestartPolicy(config monitoring.RestartConfig) restartPolicy {
	return restartPolicy{config: config}
}

func (p restartPolicy) eligible(restartOnFailure bool, restartCount int) bool {
	return restartOnFailure && restartCount < p.config.MaxRetries
}

func (p restartPolicy) delay(restartCount int) time.Duration {
	return p.config.DelayFor(restartCount)
}
