package monitoring

import (
	"math"
	"time"
)

// DefaultMaxRestartDelay caps the exponential back-off
const DefaultMaxRestartDelay = 5 * time.Minute

// RestartConfig bounds automatic relaunches of a failed service
type RestartConfig struct {
	Enabled     bool
	MaxRetries  int
	RetryDelay  time.Duration
	BackoffRate float64
	// MaxDelay caps DelayFor; zero means DefaultMaxRestartDelay
	MaxDelay time.Duration
}

// DelayFor returns the wait before relaunch number attempt+1:
// RetryDelay * BackoffRate^attempt, never more than the cap
func (c RestartConfig) DelayFor(attempt int) time.Duration {
	limit := c.MaxDelay
	if limit <= 0 {
		limit = DefaultMaxRestartDelay
	}
	if c.RetryDelay >= limit {
		return limit
	}
	if attempt <= 0 || c.BackoffRate <= 1.0 {
		return c.RetryDelay
	}
	delay := float64(c.RetryDelay) * math.Pow(c.BackoffRate, float64(attempt))
	// the float can exceed int64 or become +Inf
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(limit) {
		return limit
	}
	return time.Duration(delay)
}
