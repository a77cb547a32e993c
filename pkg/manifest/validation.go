package manifest

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

const maxServiceIDLength = 64

// Validate checks the whole manifest and reports every problem in one ConfigError
func (m *Manifest) Validate() error {
	if m == nil {
		return errors.NewConfigError("manifest cannot be nil", nil)
	}

	problems := errors.NewErrorCollection()

	if len(m.Services) == 0 {
		problems.Add(errors.NewValidationError("manifest declares no services", nil))
	}

	seen := make(map[string]int, len(m.Services))
	for i, spec := range m.Services {
		if prev, exists := seen[spec.ID]; exists {
			problems.Add(errors.NewValidationError(
				fmt.Sprintf("duplicate service ID '%s' found at indices %d and %d", spec.ID, prev, i), nil))
			continue
		}
		seen[spec.ID] = i

		if err := ValidateServiceSpec(spec); err != nil {
			problems.Add(err)
		}
	}

	if err := ValidateSupervisorConfig(m.Settings); err != nil {
		problems.Add(err)
	}

	if problems.HasErrors() {
		return errors.NewConfigError("invalid manifest", problems.ToError())
	}
	return nil
}

// ValidateServiceSpec checks one service definition
func ValidateServiceSpec(spec ServiceSpec) error {
	if err := ValidateServiceID(spec.ID); err != nil {
		return err
	}

	invalid := func(msg string, cause error) error {
		return errors.NewValidationError(msg, cause).WithContext("service", spec.ID)
	}

	if spec.Command.Empty() {
		return invalid("command is required", nil)
	}
	if !spec.Kind.Valid() {
		return invalid(fmt.Sprintf("kind must be '%s' or '%s', got '%s'", KindDaemon, KindOnce, spec.Kind), nil)
	}
	if spec.StartDelaySeconds < 0 {
		return invalid("start_delay_seconds cannot be negative", nil)
	}
	if spec.Port != 0 {
		if err := ValidatePort(spec.Port); err != nil {
			return invalid("invalid port", err)
		}
	}
	if spec.HealthCheck != "" {
		if err := ValidateHealthCheckURL(spec.HealthCheck); err != nil {
			return invalid("invalid health_check", err)
		}
	}
	return nil
}

// ValidateSupervisorConfig checks the settings section after defaults are applied
func ValidateSupervisorConfig(c SupervisorConfig) error {
	switch {
	case c.HealthCheckInterval <= 0:
		return errors.NewValidationError("health_check_interval_seconds must be positive", nil)
	case c.HealthCheckTimeout <= 0:
		return errors.NewValidationError("health_check_timeout_seconds must be positive", nil)
	case c.RestartDelay < 0:
		return errors.NewValidationError("restart_delay_seconds cannot be negative", nil)
	case c.RestartBackoffRate < 1.0:
		return errors.NewValidationError("restart_backoff_rate must be at least 1.0", nil)
	case c.MaxRestartDelay <= 0:
		return errors.NewValidationError("max_restart_delay_seconds must be positive", nil)
	case c.MaxRestartDelay < c.RestartDelay:
		return errors.NewValidationError("max_restart_delay_seconds cannot be less than restart_delay_seconds", nil)
	case c.MaxRestartAttempts < 0:
		return errors.NewValidationError("max_restart_attempts cannot be negative", nil)
	case c.UnhealthyThreshold < 1:
		return errors.NewValidationError("unhealthy_threshold must be at least 1", nil)
	case c.StopGracePeriod < 0:
		return errors.NewValidationError("stop_grace_period_seconds cannot be negative", nil)
	case c.PortBindGrace < 0:
		return errors.NewValidationError("port_bind_grace_seconds cannot be negative", nil)
	}
	if c.ControlAddress != "" {
		if err := ValidateNetworkAddress(c.ControlAddress); err != nil {
			return errors.NewValidationError("invalid control_address", err)
		}
	}
	return nil
}

// ValidateServiceID allows letters, digits, hyphens and underscores, up to 64 characters
func ValidateServiceID(id string) error {
	if id == "" {
		return errors.NewValidationError("service ID cannot be empty", nil)
	}
	if len(id) > maxServiceIDLength {
		return errors.NewValidationError("service ID cannot exceed 64 characters", nil).WithContext("service", id)
	}
	for _, char := range id {
		if !isValidIDChar(char) {
			return errors.NewValidationError(
				"service ID contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil).
				WithContext("service", id)
		}
	}
	return nil
}

func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil).WithContext("port", port)
	}
	return nil
}

// ValidateHealthCheckURL requires an absolute http or https URL
func ValidateHealthCheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.NewValidationError("health check URL cannot be parsed", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NewValidationError("health check URL must use http or https", nil).WithContext("url", raw)
	}
	if u.Host == "" {
		return errors.NewValidationError("health check URL has no host", nil).WithContext("url", raw)
	}
	return nil
}

// ValidateNetworkAddress validates a host:port listen address; the host may be empty
func ValidateNetworkAddress(address string) error {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}
	if port == 0 {
		// ephemeral port
		return nil
	}
	return ValidatePort(port)
}

func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
