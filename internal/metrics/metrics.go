// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts typed events consumed from the switch, by kind.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callwatch_events_processed_total",
		Help: "Typed AMI events processed, by event kind.",
	}, []string{"kind"})

	// EventsDropped counts blocks the dispatcher did not recognize.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callwatch_events_dropped_total",
		Help: "AMI blocks dropped because their event kind is not consumed.",
	})

	// EventErrors counts events whose processing failed.
	EventErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callwatch_event_errors_total",
		Help: "Events whose reconciliation failed and was skipped.",
	})

	// Broadcasts counts published state-change notifications, by kind.
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callwatch_broadcasts_total",
		Help: "State-change notifications published, by change kind.",
	}, []string{"kind"})

	// Reconnects counts AMI session re-establishments.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callwatch_ami_reconnects_total",
		Help: "AMI sessions re-established after a connection loss.",
	})

	// OpenCalls is the number of calls without a terminal state, sampled on
	// each sweep run.
	OpenCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callwatch_open_calls",
		Help: "Calls currently without a terminal state.",
	})

	// SweepClosures counts calls force-closed by the stuck-call sweep.
	SweepClosures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callwatch_sweep_closures_total",
		Help: "Calls force-closed by the stuck-call sweep.",
	})

	// SweepAborts counts sweep runs aborted by failed live verification.
	SweepAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callwatch_sweep_aborts_total",
		Help: "Sweep runs aborted because live channel verification failed.",
	})
)
