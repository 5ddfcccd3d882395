// Package metrics registers the prometheus counters/histograms the core
// exposes for the embedding server to scrape (out of scope per spec §1, but
// the core owns the registry it would scrape) — SPEC_FULL's ADDED ambient
// observability section.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the core updates. Callers create one per
// engine.Open and pass it down to collections.
type Registry struct {
	Ops            *prometheus.CounterVec
	WALFsyncLatency *prometheus.HistogramVec
	CacheSize      *prometheus.GaugeVec
	TxConflicts    prometheus.Counter
}

// NewRegistry builds a fresh set of metrics and registers them with reg (a
// caller-supplied prometheus.Registerer, typically prometheus.NewRegistry()
// so multiple engines in the same process don't collide on the default
// registerer).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oxidb",
			Name:      "ops_total",
			Help:      "Count of core operations by kind and collection.",
		}, []string{"op", "collection"}),
		WALFsyncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oxidb",
			Name:      "wal_fsync_seconds",
			Help:      "Latency of WAL fsync calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection"}),
		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oxidb",
			Name:      "cache_documents",
			Help:      "Number of documents currently held in a collection's cache.",
		}, []string{"collection"}),
		TxConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxidb",
			Name:      "tx_conflicts_total",
			Help:      "Count of OCC commit validation failures.",
		}),
	}
	reg.MustRegister(r.Ops, r.WALFsyncLatency, r.CacheSize, r.TxConflicts)
	return r
}

// NoopRegistry returns a Registry backed by a private registerer, for
// callers (tests, the CLI's one-shot commands) that don't want to wire a
// scrape endpoint but still want the core to call into a valid Registry.
func NoopRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}

// Default returns reg, or a fresh NoopRegistry if reg is nil — the
// collection/engine construction path's guard against an unconfigured
// caller rather than threading a nil check through every metric call site.
func Default(reg *Registry) *Registry {
	if reg != nil {
		return reg
	}
	return NoopRegistry()
}
