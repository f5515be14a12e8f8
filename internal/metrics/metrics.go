// Package metrics holds the prometheus collectors shared by the plot controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trendline"

const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// PipelineOperations counts backend lifecycle calls by operation, pipeline kind and result
	PipelineOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "operations_total",
		Help:      "Backend pipeline lifecycle calls by operation, kind and result.",
	}, []string{"operation", "kind", "result"})

	// ManagedKeys is the number of selection keys that currently own pipelines
	ManagedKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "managed_keys",
		Help:      "Selection keys managed by the reconciler per plot.",
	}, []string{"plot"})

	// ReconcileDuration observes the wall time of a single reconciliation pass
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of a reconciliation pass for one plot.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// ActiveSubscriptions is the number of open push channels
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "active",
		Help:      "Open plot data channels.",
	})

	// Frames counts received data frames by outcome (stored, paused)
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "frames_total",
		Help:      "Plot data frames received, by outcome.",
	}, []string{"outcome"})

	// SkippedPolls counts poll ticks skipped because the previous tick was still running
	SkippedPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "skipped_polls_total",
		Help:      "Poll ticks skipped while a previous fetch was in flight.",
	})

	// Snapshots counts pause and unpause requests by result
	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "requests_total",
		Help:      "Pause and unpause requests by operation and result.",
	}, []string{"operation", "result"})
)

// Result maps an error to a result label value
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
