package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corevisor",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Start requests by result (launched, already_running, failed).",
		}, []string{"result"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corevisor",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Stop requests by result (stopped, not_running, failed).",
		}, []string{"result"},
	)
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corevisor",
			Subsystem: "service",
			Name:      "verifications_total",
			Help:      "Post-start verifications by outcome (passed, failed, stale).",
		}, []string{"outcome"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corevisor",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "corevisor",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "corevisor",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency by check kind and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, verifications, stateTransitions, currentState, probeDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(result string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(result).Inc()
	}
}

func IncStop(result string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(result).Inc()
	}
}

func IncVerification(outcome string) {
	if regOK.Load() {
		verifications.WithLabelValues(outcome).Inc()
	}
}

func ObserveProbe(kind, result string, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(kind, result).Observe(seconds)
	}
}

// RecordStateTransition counts from->to and flips the current_state gauge.
func RecordStateTransition(from, to string) {
	if !regOK.Load() || from == to {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	currentState.WithLabelValues(from).Set(0)
	currentState.WithLabelValues(to).Set(1)
}

// SetCurrentState marks state as active without counting a transition.
func SetCurrentState(state string) {
	if regOK.Load() {
		currentState.WithLabelValues(state).Set(1)
	}
}
