package monitoring

import (
	"net/url"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

func ValidateRestartConfig(config RestartConfig) error {
	if config.MaxRetries < 0 {
		return errors.NewValidationError("max retries cannot be negative", nil)
	}
	if config.RetryDelay < 0 {
		return errors.NewValidationError("retry delay cannot be negative", nil)
	}
	if config.MaxDelay < 0 {
		return errors.NewValidationError("max restart delay cannot be negative", nil)
	}
	if config.BackoffRate < 1.0 {
		return errors.NewValidationError("backoff rate must be at least 1.0", nil)
	}
	return nil
}

func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	switch config.Type {
	case HealthCheckTypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP health check", nil)
		}
		u, err := url.Parse(config.HTTP.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.NewValidationError("HTTP health check URL must be an absolute http(s) URL", err).
				WithContext("url", config.HTTP.URL)
		}
	case HealthCheckTypeProcess:
	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}
	return nil
}
