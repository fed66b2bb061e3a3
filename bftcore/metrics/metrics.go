// Package metrics exposes Prometheus instrumentation for the
// consensus core. The exporter/HTTP server itself is out of scope
// (§1 Non-goals); this package only registers and updates the gauges
// and counters components reach for.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bftcore"

var (
	// MessagesReceived counts wire frames accepted by MessageGate, by kind.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of wire frames accepted, by request kind.",
	}, []string{"kind"})

	// MessagesDropped counts frames dropped, by error kind.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Total number of wire frames dropped, by error kind.",
	}, []string{"reason"})

	// CurrentView is the replica's current view number.
	CurrentView = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current view number.",
	})

	// StableCheckpointSeq is the sequence number of the latest stable checkpoint.
	StableCheckpointSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stable_checkpoint_seq",
		Help:      "Sequence number of the latest stable checkpoint (low water mark).",
	})

	// NextExecuteSeq is the next sequence the pipeline will deliver to the executor.
	NextExecuteSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "next_execute_seq",
		Help:      "Next sequence number to be delivered to the executor.",
	})

	// CollectorsActive is the number of live TransactionCollectors.
	CollectorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "collectors_active",
		Help:      "Number of TransactionCollectors currently tracked.",
	})

	// CommitsTotal counts requests that reached EXECUTED.
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Total number of sequences delivered to the executor.",
	})

	// ViewChangesTotal counts view-change rounds entered.
	ViewChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total number of view-change rounds started.",
	})

	// WALFsyncSeconds observes fsync latency of WAL appends.
	WALFsyncSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "wal_fsync_seconds",
		Help:      "Latency of WAL record fsync calls.",
		Buckets:   prometheus.DefBuckets,
	})
)
