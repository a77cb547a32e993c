package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are package-level and inert until Register succeeds
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "spawns_total",
			Help:      "Number of successful process spawns.",
		}, []string{"service"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed to execute.",
		}, []string{"service"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic relaunches after a failure.",
		}, []string{"service"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of observed process exits by outcome.",
		}, []string{"service", "outcome"},
	)
	healthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "health_check_failures_total",
			Help:      "Number of failed liveness samples.",
		}, []string{"service"},
	)
	healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "health_check_duration_seconds",
			Help:      "Duration of liveness probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of status transitions.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hsu_supervisor",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current status of each service (1 = in this status).",
		}, []string{"service", "status"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{spawns, spawnFailures, restarts, exits, healthCheckFailures,
		healthCheckDuration, stateTransitions, currentStates}
}

// Register registers all collectors with r. Calling it again is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer
func Handler() http.Handler { return promhttp.Handler() }

func IncSpawn(service string) {
	if regOK.Load() {
		spawns.WithLabelValues(service).Inc()
	}
}

func IncSpawnFailure(service string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(service).Inc()
	}
}

func IncRestart(service string) {
	if regOK.Load() {
		restarts.WithLabelValues(service).Inc()
	}
}

func IncExit(service, outcome string) {
	if regOK.Load() {
		exits.WithLabelValues(service, outcome).Inc()
	}
}

func ObserveHealthCheck(service string, healthy bool, seconds float64) {
	if regOK.Load() {
		healthCheckDuration.WithLabelValues(service).Observe(seconds)
		if !healthy {
			healthCheckFailures.WithLabelValues(service).Inc()
		}
	}
}

// RecordStateTransition counts the transition and moves the current-state gauge
func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
		if from != "" {
			currentStates.WithLabelValues(service, from).Set(0)
		}
		currentStates.WithLabelValues(service, to).Set(1)
	}
}
