package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scheduler"

type metrics struct {
	stageRuns       *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	cancelled       prometheus.Counter
	cascadeFailures prometheus.Counter
	approvals       *prometheus.CounterVec
	approvalLatency prometheus.Histogram
	events          *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_created_total",
			Help:      "Stage runs created, by trigger.",
		}, []string{"trigger"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Scheduling requests rejected, by operation and error kind.",
		}, []string{"operation", "kind"}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_cancelled_total",
			Help:      "Stage runs moved to Cancelled.",
		}),
		cascadeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_cancel_failures_total",
			Help:      "Downstream stage runs that could not be cancelled.",
		}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Approval gate decisions, by result.",
		}, []string{"result"}),
		approvalLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_workflow_seconds",
			Help:      "Latency of delegated approval calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_events_total",
			Help:      "Hook events, by outcome.",
		}, []string{"outcome"}),
	}
}
