package sharedlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peerlog"

type metrics struct {
	appends       prometheus.Counter
	joined        prometheus.Counter
	syncRounds    *prometheus.CounterVec
	syncFailures  prometheus.Counter
	factor        prometheus.Gauge
	announcements prometheus.Counter
	pruned        prometheus.Counter
}

// newMetrics registers with reg. A nil reg leaves the collectors unregistered.
func newMetrics(reg prometheus.Registerer, logID string) *metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"log_id": logID}
	return &metrics{
		appends: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "appends_total",
			Help:        "Entries appended locally.",
			ConstLabels: labels,
		}),
		joined: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "joined_entries_total",
			Help:        "Remote entries merged into the log.",
			ConstLabels: labels,
		}),
		syncRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sync_rounds_total",
			Help:        "Completed reconciliation rounds by protocol.",
			ConstLabels: labels,
		}, []string{"protocol"}),
		syncFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sync_failures_total",
			Help:        "Failed reconciliation rounds.",
			ConstLabels: labels,
		}),
		factor: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "replication_factor",
			Help:        "Fraction of the keyspace this node replicates.",
			ConstLabels: labels,
		}),
		announcements: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "announcements_total",
			Help:        "Segment announcements published.",
			ConstLabels: labels,
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pruned_entries_total",
			Help:        "Entries pruned because other replicators hold them.",
			ConstLabels: labels,
		}),
	}
}
