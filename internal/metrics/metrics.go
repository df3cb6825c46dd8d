// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package metrics exposes Prometheus metrics describing the supervisor's
// internal state: live group count, dead-letter size, per-service lifecycle
// state, and crash counts. Collectors self-register against the default
// registry via promauto, the same pattern the teacher's own metrics package
// uses for its own counters and gauges; the embedding binary only needs to
// mount promhttp.Handler() to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServiceGroups reports the number of live service groups after the
	// last group rebuild.
	ServiceGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spindle",
		Name:      "service_groups",
		Help:      "Number of live service groups after the last rebuild.",
	})

	// DeadLetterServices reports the number of services rejected by the
	// last group rebuild.
	DeadLetterServices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spindle",
		Name:      "dead_letter_services",
		Help:      "Number of services rejected by the last group rebuild.",
	})

	// ServiceState is 1 for a service's current lifecycle state and 0 for
	// every other state, labeled by service and state name.
	ServiceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spindle",
		Name:      "service_state",
		Help:      "1 for the service's current lifecycle state, labeled by service and state name.",
	}, []string{"service", "state"})

	// ServiceCrashesTotal counts every transition of a service into Failed.
	ServiceCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spindle",
		Name:      "service_crashes_total",
		Help:      "Total number of times a service has transitioned to Failed.",
	}, []string{"service"})
)

// trackedStates enumerates every lifecycle state name ServiceState clears
// when a service settles into a new one, so at most one state series per
// service reads 1 at a time.
var trackedStates = []string{"Pending", "Starting", "Running", "Stopping", "Stopped", "Failed", "Skipped"}

// SetServiceState records service's current lifecycle state, zeroing every
// other tracked state's series for the same service.
func SetServiceState(service, current string) {
	for _, st := range trackedStates {
		if st == current {
			ServiceState.WithLabelValues(service, st).Set(1)
		} else {
			ServiceState.WithLabelValues(service, st).Set(0)
		}
	}
}

// RecordCrash increments the crash counter for service.
func RecordCrash(service string) {
	ServiceCrashesTotal.WithLabelValues(service).Inc()
}

// SetGroupCounts records the group and dead-letter counts from the latest
// group rebuild.
func SetGroupCounts(groups, deadLettered int) {
	ServiceGroups.Set(float64(groups))
	DeadLetterServices.Set(float64(deadLettered))
}
