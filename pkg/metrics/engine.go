package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics covers the snapshot engine: request traffic, journal
// commits, copy-outs and store occupancy.
type EngineMetrics struct {
	requests       *prometheus.CounterVec
	journalCommits prometheus.Counter
	journalBlocks  prometheus.Counter
	copyoutChunks  prometheus.Counter
	snapshots      prometheus.Gauge
	freeChunks     *prometheus.GaugeVec
	pendingReplies prometheus.Gauge
}

// NewEngineMetrics creates the engine metric set, or nil when metrics are
// disabled. All methods are nil-safe.
func NewEngineMetrics() *EngineMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &EngineMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapstore_requests_total",
				Help: "Requests dispatched, by opcode",
			},
			[]string{"opcode"},
		),
		journalCommits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "snapstore_journal_commits_total",
				Help: "Journal transactions committed",
			},
		),
		journalBlocks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "snapstore_journal_blocks_total",
				Help: "Metadata blocks written through the journal",
			},
		),
		copyoutChunks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "snapstore_copyout_chunks_total",
				Help: "Chunks copied out to the snapshot store",
			},
		),
		snapshots: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "snapstore_snapshots",
				Help: "Snapshot records in the table, squashed included",
			},
		),
		freeChunks: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "snapstore_free_chunks",
				Help: "Free chunks per allocation space",
			},
			[]string{"space"}, // "metadata", "snapdata"
		),
		pendingReplies: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "snapstore_pending_replies",
				Help: "Origin-write replies parked on snapshot read locks",
			},
		),
	}
}

// Request counts one dispatched request.
func (m *EngineMetrics) Request(opcode string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(opcode).Inc()
}

// JournalCommit counts one committed transaction of n blocks.
func (m *EngineMetrics) JournalCommit(blocks int) {
	if m == nil {
		return
	}
	m.journalCommits.Inc()
	m.journalBlocks.Add(float64(blocks))
}

// Copyout counts chunks copied to the snapshot store.
func (m *EngineMetrics) Copyout(chunks int) {
	if m == nil {
		return
	}
	m.copyoutChunks.Add(float64(chunks))
}

// Snapshots records the snapshot table occupancy.
func (m *EngineMetrics) Snapshots(n int) {
	if m == nil {
		return
	}
	m.snapshots.Set(float64(n))
}

// FreeChunks records the free count of one allocation space.
func (m *EngineMetrics) FreeChunks(space string, n uint64) {
	if m == nil {
		return
	}
	m.freeChunks.WithLabelValues(space).Set(float64(n))
}

// PendingDelta adjusts the parked-reply gauge.
func (m *EngineMetrics) PendingDelta(d int) {
	if m == nil {
		return
	}
	m.pendingReplies.Add(float64(d))
}
