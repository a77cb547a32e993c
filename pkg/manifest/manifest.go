package manifest

import (
	"sort"
	"time"
)

// ServiceKind tells the supervisor how to interpret a process exit
type ServiceKind string

const (
	// KindDaemon is expected to run forever; any exit is a failure
	KindDaemon ServiceKind = "daemon"
	// KindOnce is expected to exit zero exactly once
	KindOnce ServiceKind = "once"
)

func (k ServiceKind) Valid() bool {
	return k == KindDaemon || k == KindOnce
}

// ServiceSpec is one entry under `services`, keyed by its id
type ServiceSpec struct {
	ID                string            `yaml:"-" json:"id"`
	DisplayName       string            `yaml:"display_name" json:"display_name"`
	Command           Command           `yaml:"command" json:"command"`
	Kind              ServiceKind       `yaml:"kind" json:"kind"`
	Port              int               `yaml:"port,omitempty" json:"port,omitempty"`
	HealthCheck       string            `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	RestartOnFailure  bool              `yaml:"restart_on_failure" json:"restart_on_failure"`
	StartDelaySeconds int               `yaml:"start_delay_seconds" json:"start_delay_seconds"`
	WorkingDirectory  string            `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	Environment       map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// StartDelay is the fixed wait after supervisor start before the first launch
func (s ServiceSpec) StartDelay() time.Duration {
	return time.Duration(s.StartDelaySeconds) * time.Second
}

// SupervisorConfig holds the `settings` section with defaults applied
type SupervisorConfig struct {
	HealthCheckInterval      time.Duration
	HealthCheckTimeout       time.Duration
	RestartDelay             time.Duration
	RestartBackoffRate       float64
	MaxRestartDelay          time.Duration
	MaxRestartAttempts       int
	UnhealthyThreshold       int
	StopGracePeriod          time.Duration
	PortBindGrace            time.Duration
	Environment              map[string]string
	AllowEnvironmentOverride bool
	LogDirectory             string
	PIDDirectory             string
	ControlAddress           string
	HistoryDSN               string
	LogLevel                 string
	LogFormat                string
}

const (
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultRestartDelay        = 5 * time.Second
	DefaultRestartBackoffRate  = 1.0
	DefaultMaxRestartDelay     = 5 * time.Minute
	DefaultMaxRestartAttempts  = 3
	DefaultUnhealthyThreshold  = 3
	DefaultStopGracePeriod     = 10 * time.Second
	DefaultPortBindGrace       = 30 * time.Second
	DefaultControlAddress      = "127.0.0.1:7077"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "console"
)

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HealthCheckInterval: DefaultHealthCheckInterval,
		HealthCheckTimeout:  DefaultHealthCheckTimeout,
		RestartDelay:        DefaultRestartDelay,
		RestartBackoffRate:  DefaultRestartBackoffRate,
		MaxRestartDelay:     DefaultMaxRestartDelay,
		MaxRestartAttempts:  DefaultMaxRestartAttempts,
		UnhealthyThreshold:  DefaultUnhealthyThreshold,
		StopGracePeriod:     DefaultStopGracePeriod,
		PortBindGrace:       DefaultPortBindGrace,
		Environment:         map[string]string{},
		ControlAddress:      DefaultControlAddress,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
	}
}

// Manifest is a validated set of services in declaration order plus settings
type Manifest struct {
	Services []ServiceSpec
	Settings SupervisorConfig
}

func (m *Manifest) Service(id string) (ServiceSpec, bool) {
	for _, s := range m.Services {
		if s.ID == id {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

func (m *Manifest) ServiceIDs() []string {
	ids := make([]string, len(m.Services))
	for i, s := range m.Services {
		ids[i] = s.ID
	}
	return ids
}

// Summary is a printable overview of a manifest
type Summary struct {
	TotalServices  int            `json:"total_services"`
	ServicesByKind map[string]int `json:"services_by_kind"`
	HTTPProbed     int            `json:"http_probed"`
	Restartable    int            `json:"restartable"`
	StartDelays    map[int]int    `json:"start_delays"`
	Services       []ServiceBrief `json:"services"`
}

type ServiceBrief struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Kind              string `json:"kind"`
	Command           string `json:"command"`
	Port              int    `json:"port,omitempty"`
	HealthCheck       string `json:"health_check,omitempty"`
	StartDelaySeconds int    `json:"start_delay_seconds"`
}

func (m *Manifest) Summary() *Summary {
	summary := &Summary{
		TotalServices:  len(m.Services),
		ServicesByKind: make(map[string]int),
		StartDelays:    make(map[int]int),
		Services:       make([]ServiceBrief, 0, len(m.Services)),
	}
	for _, s := range m.Services {
		summary.ServicesByKind[string(s.Kind)]++
		summary.StartDelays[s.StartDelaySeconds]++
		if s.HealthCheck != "" {
			summary.HTTPProbed++
		}
		if s.RestartOnFailure {
			summary.Restartable++
		}
		summary.Services = append(summary.Services, ServiceBrief{
			ID:                s.ID,
			Name:              s.DisplayName,
			Kind:              string(s.Kind),
			Command:           s.Command.String(),
			Port:              s.Port,
			HealthCheck:       s.HealthCheck,
			StartDelaySeconds: s.StartDelaySeconds,
		})
	}
	return summary
}

// LaunchOrder returns service ids sorted by start delay, manifest order within equal delays
func (m *Manifest) LaunchOrder() []string {
	services := make([]ServiceSpec, len(m.Services))
	copy(services, m.Services)
	sort.SliceStable(services, func(i, j int) bool {
		return services[i].StartDelaySeconds < services[j].StartDelaySeconds
	})
	ids := make([]string, len(services))
	for i, s := range services {
		ids[i] = s.ID
	}
	return ids
}
