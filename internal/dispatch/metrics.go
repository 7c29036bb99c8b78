// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nucleus_events_submitted",
			Help: "Number of events submitted to a queue container.",
		},
		[]string{"queue"},
	)
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nucleus_events_dispatched",
			Help: "Number of events handed directly to a worker.",
		},
		[]string{"queue"},
	)
	eventsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nucleus_events_expired",
			Help: "Number of events discarded because their lifetime elapsed before dispatch.",
		},
		[]string{"queue"},
	)
	eventsOverflowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nucleus_events_overflowed",
			Help: "Number of events spilled to the recovery log because a queue was full.",
		},
		[]string{"queue"},
	)
	workerOverruns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nucleus_worker_overruns",
			Help: "Number of workers killed for exceeding their maxExecTime.",
		},
		[]string{"queue"},
	)
	workerRespawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nucleus_worker_respawns",
			Help: "Number of replacement workers spawned after a crash or overrun.",
		},
		[]string{"queue"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nucleus_worker_crashes",
			Help: "Number of workers that exited unexpectedly while not killed by the dispatcher itself.",
		},
		[]string{"queue"},
	)
	queueListSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nucleus_queue_list_size",
			Help: "Number of events currently resident in a queue.",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(eventsSubmitted)
	prometheus.MustRegister(eventsDispatched)
	prometheus.MustRegister(eventsExpired)
	prometheus.MustRegister(eventsOverflowed)
	prometheus.MustRegister(workerOverruns)
	prometheus.MustRegister(workerRespawns)
	prometheus.MustRegister(workerCrashes)
	prometheus.MustRegister(queueListSize)
}
