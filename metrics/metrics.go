// Package metrics exposes prometheus collectors for the finality core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "finberry"

// Metrics holds all collectors. A nil *Metrics is a valid no-op receiver so
// components never need to guard instrumentation calls.
type Metrics struct {
	FinalizedHeight  prometheus.Gauge
	CheckpointHeight prometheus.Gauge
	PendingVotes     prometheus.Gauge
	BufferedOrphans  prometheus.Gauge

	FinalizedBlocks   prometheus.Counter
	DroppedVotes      prometheus.Counter
	SlashingEvents    *prometheus.CounterVec
	RoundsPerDecision prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FinalizedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finalized_height",
			Help:      "Height of the latest finalized block.",
		}),
		CheckpointHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_height",
			Help:      "Height of the latest sealed checkpoint.",
		}),
		PendingVotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_votes",
			Help:      "Votes buffered for blocks not yet received.",
		}),
		BufferedOrphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_orphans",
			Help:      "Blocks buffered while their parent is unknown.",
		}),
		FinalizedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_blocks_total",
			Help:      "Total blocks finalized since start.",
		}),
		DroppedVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_votes_total",
			Help:      "Buffered votes dropped before their block arrived.",
		}),
		SlashingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashing_events_total",
			Help:      "Slashing outcomes by offense type.",
		}, []string{"offense"}),
		RoundsPerDecision: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rounds_per_decision",
			Help:      "Rounds needed before a height finalized.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FinalizedHeight,
			m.CheckpointHeight,
			m.PendingVotes,
			m.BufferedOrphans,
			m.FinalizedBlocks,
			m.DroppedVotes,
			m.SlashingEvents,
			m.RoundsPerDecision,
		)
	}
	return m
}

// ObserveFinalized records one finalized block.
func (m *Metrics) ObserveFinalized(height int64, rounds int) {
	if m == nil {
		return
	}
	m.FinalizedHeight.Set(float64(height))
	m.FinalizedBlocks.Inc()
	if rounds > 0 {
		m.RoundsPerDecision.Observe(float64(rounds))
	}
}

// ObserveCheckpoint records one sealed checkpoint.
func (m *Metrics) ObserveCheckpoint(height int64) {
	if m == nil {
		return
	}
	m.CheckpointHeight.Set(float64(height))
}

// ObserveSlashing records one processed offense.
func (m *Metrics) ObserveSlashing(offense string) {
	if m == nil {
		return
	}
	m.SlashingEvents.WithLabelValues(offense).Inc()
}

// SetBuffers updates the buffer gauges.
func (m *Metrics) SetBuffers(pendingVotes, orphans int) {
	if m == nil {
		return
	}
	m.PendingVotes.Set(float64(pendingVotes))
	m.BufferedOrphans.Set(float64(orphans))
}

// AddDroppedVotes adds to the dropped-vote counter.
func (m *Metrics) AddDroppedVotes(n uint64) {
	if m == nil {
		return
	}
	m.DroppedVotes.Add(float64(n))
}
