package manifest

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// rawSettings mirrors `settings`; pointers separate "absent" from an explicit zero
type rawSettings struct {
	HealthCheckIntervalSeconds *int              `yaml:"health_check_interval_seconds"`
	HealthCheckTimeoutSeconds  *int              `yaml:"health_check_timeout_seconds"`
	RestartDelaySeconds        *int              `yaml:"restart_delay_seconds"`
	RestartBackoffRate         *float64          `yaml:"restart_backoff_rate"`
	MaxRestartDelaySeconds     *int              `yaml:"max_restart_delay_seconds"`
	MaxRestartAttempts         *int              `yaml:"max_restart_attempts"`
	UnhealthyThreshold         *int              `yaml:"unhealthy_threshold"`
	StopGracePeriodSeconds     *int              `yaml:"stop_grace_period_seconds"`
	PortBindGraceSeconds       *int              `yaml:"port_bind_grace_seconds"`
	Environment                map[string]string `yaml:"environment"`
	AllowEnvironmentOverride   bool              `yaml:"allow_environment_override"`
	LogDirectory               string            `yaml:"log_directory"`
	PIDDirectory               string            `yaml:"pid_directory"`
	ControlAddress             *string           `yaml:"control_address"`
	HistoryDSN                 string            `yaml:"history_dsn"`
	LogLevel                   string            `yaml:"log_level"`
	LogFormat                  string            `yaml:"log_format"`
}

// Load reads and validates a manifest file. Every failure is a ConfigError.
func Load(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewConfigError("failed to read manifest",
			errors.NewIOError("read failed", err)).WithContext("filename", filename)
	}

	m, err := Parse(data)
	if err != nil {
		var domainErr *errors.DomainError
		if stderrors.As(err, &domainErr) {
			return nil, domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return m, nil
}

// Parse decodes a YAML or JSON manifest, applies defaults and validates it.
// Nothing is returned unless the whole manifest is valid.
func Parse(data []byte) (*Manifest, error) {
	// Raw tabs can only be insignificant whitespace in valid JSON, but YAML rejects them
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		data = bytes.ReplaceAll(data, []byte("\t"), []byte(" "))
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewConfigError("failed to parse manifest", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, errors.NewConfigError("manifest is empty", nil)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.NewConfigError(
			fmt.Sprintf("line %d: manifest must be a mapping with 'services' and 'settings'", root.Line), nil)
	}

	problems := errors.NewErrorCollection()
	m := &Manifest{Settings: DefaultSupervisorConfig()}
	var servicesNode, settingsNode *yaml.Node

	for i := 0; i+1 < len(root.Content); i += 2 {
		switch root.Content[i].Value {
		case "services":
			servicesNode = root.Content[i+1]
		case "settings":
			settingsNode = root.Content[i+1]
		}
	}

	if settingsNode != nil && settingsNode.Tag != "!!null" {
		var raw rawSettings
		if err := settingsNode.Decode(&raw); err != nil {
			problems.Add(errors.NewValidationError("invalid settings", err))
		} else {
			applySettings(&m.Settings, raw)
		}
	}

	if servicesNode == nil || servicesNode.Tag == "!!null" {
		problems.Add(errors.NewValidationError("manifest declares no services", nil))
	} else if servicesNode.Kind != yaml.MappingNode {
		problems.Add(errors.NewValidationError(
			fmt.Sprintf("line %d: 'services' must be a mapping of id to service", servicesNode.Line), nil))
	} else {
		m.Services = decodeServices(servicesNode, problems)
	}

	if problems.HasErrors() {
		return nil, errors.NewConfigError("invalid manifest", problems.ToError())
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeServices(node *yaml.Node, problems *errors.ErrorCollection) []ServiceSpec {
	services := make([]ServiceSpec, 0, len(node.Content)/2)
	firstSeen := make(map[string]int)

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		id := keyNode.Value

		if line, exists := firstSeen[id]; exists {
			problems.Add(errors.NewValidationError(
				fmt.Sprintf("duplicate service ID '%s' found at lines %d and %d", id, line, keyNode.Line), nil))
			continue
		}
		firstSeen[id] = keyNode.Line

		var spec ServiceSpec
		if valueNode.Tag != "!!null" {
			if err := valueNode.Decode(&spec); err != nil {
				problems.Add(errors.NewValidationError("failed to decode service", err).WithContext("service", id))
				continue
			}
		}
		spec.ID = id
		if spec.DisplayName == "" {
			spec.DisplayName = id
		}
		if spec.Kind == "" {
			spec.Kind = KindDaemon
		}
		services = append(services, spec)
	}
	return services
}

func applySettings(c *SupervisorConfig, raw rawSettings) {
	seconds := func(v *int, target *time.Duration) {
		if v != nil {
			*target = time.Duration(*v) * time.Second
		}
	}
	seconds(raw.HealthCheckIntervalSeconds, &c.HealthCheckInterval)
	seconds(raw.HealthCheckTimeoutSeconds, &c.HealthCheckTimeout)
	seconds(raw.RestartDelaySeconds, &c.RestartDelay)
	seconds(raw.StopGracePeriodSeconds, &c.StopGracePeriod)
	seconds(raw.MaxRestartDelaySeconds, &c.MaxRestartDelay)
	seconds(raw.PortBindGraceSeconds, &c.PortBindGrace)

	if raw.RestartBackoffRate != nil {
		c.RestartBackoffRate = *raw.RestartBackoffRate
	}
	if raw.MaxRestartAttempts != nil {
		c.MaxRestartAttempts = *raw.MaxRestartAttempts
	}
	if raw.UnhealthyThreshold != nil {
		c.UnhealthyThreshold = *raw.UnhealthyThreshold
	}
	if raw.Environment != nil {
		c.Environment = raw.Environment
	}
	if raw.ControlAddress != nil {
		c.ControlAddress = *raw.ControlAddress
	}
	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	if raw.LogFormat != "" {
		c.LogFormat = raw.LogFormat
	}
	c.AllowEnvironmentOverride = raw.AllowEnvironmentOverride
	c.LogDirectory = raw.LogDirectory
	c.PIDDirectory = raw.PIDDirectory
	c.HistoryDSN = raw.HistoryDSN
}
