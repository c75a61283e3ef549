// Copyright 2025 Certen Protocol
//
// Prometheus metrics for the checkpoint core (spec section 7 error
// taxonomy: "metric checkpoint_errors incremented"; section 4.3 step 6:
// "a metric is incremented" on split brain). Grounded on the teacher's
// direct `prometheus/client_golang` dependency; package-level
// NewCounterVec/NewGaugeVec registration is the standard idiom for this
// library and is exercised here for the first time in this codebase's own
// source (the teacher carries the dependency but has no call site yet).

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CheckpointErrorsTotal counts transient storage/IO errors retried by
	// the Builder or Aggregator main loops (spec section 7).
	CheckpointErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "errors_total",
		Help:      "Transient errors retried by the Builder or Aggregator loops, by component.",
	}, []string{"component"})

	// CheckpointForksTotal counts remote-fork/disagreement events observed
	// by the Aggregator (spec section 4.3 step 5).
	CheckpointForksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "forks_total",
		Help:      "Remote forks observed: a quorum formed on a digest this validator did not build.",
	}, []string{})

	// CheckpointSplitBrainTotal counts split-brain detections (spec 4.3
	// step 6, quorum_unreachable).
	CheckpointSplitBrainTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "split_brain_total",
		Help:      "Detections that no digest can still reach quorum for the current sequence.",
	}, []string{})

	// CheckpointsCertifiedTotal counts successfully certified checkpoints.
	CheckpointsCertifiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "certified_total",
		Help:      "Checkpoints that reached strong quorum and were persisted as certified.",
	})

	// CheckpointHighestExecuted mirrors the HighestExecuted watermark (I5).
	CheckpointHighestExecuted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint",
		Name:      "highest_executed",
		Help:      "Current value of the HighestExecuted watermark.",
	})

	// CheckpointHighestCertified mirrors the highest certified sequence.
	CheckpointHighestCertified = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint",
		Name:      "highest_certified",
		Help:      "Sequence number of the most recently certified checkpoint.",
	})
)

// Registry bundles a dedicated prometheus.Registry with all collectors
// pre-registered, the shape the teacher's own HTTP server (pkg/server)
// expects to mount at /metrics.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		CheckpointErrorsTotal,
		CheckpointForksTotal,
		CheckpointSplitBrainTotal,
		CheckpointsCertifiedTotal,
		CheckpointHighestExecuted,
		CheckpointHighestCertified,
	)
	return r
}
