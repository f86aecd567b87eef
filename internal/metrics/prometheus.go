package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_sync_cycles_total",
		Help: "The total number of background sync cycles",
	}, []string{"cluster_id", "result"})

	SyncCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docstore_sync_cycle_duration_seconds",
		Help:    "The duration of background sync cycles",
		Buckets: prometheus.DefBuckets,
	}, []string{"cluster_id"})

	JournalEntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_journal_entries_written_total",
		Help: "The total number of journal entries appended",
	}, []string{"cluster_id", "kind"})

	PeerEntriesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_peer_journal_entries_read_total",
		Help: "The total number of journal entries read from peers",
	}, []string{"peer_id"})

	RecoveredDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_recovered_documents_total",
		Help: "The total number of documents whose last revision was repaired",
	}, []string{"cluster_id"})

	GCRemovedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstore_gc_removed_entries_total",
		Help: "The total number of journal entries removed by garbage collection",
	})

	BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_backend_calls_total",
		Help: "The total number of document store calls",
	}, []string{"collection", "operation"})
)
