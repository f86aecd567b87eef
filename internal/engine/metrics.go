package engine

import (
	"strconv"
	"time"

	"github.com/shivanibhat24/docstore/internal/metrics"
)

func observeCycle(clusterID int, start time.Time, err error) {
	id := strconv.Itoa(clusterID)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.SyncCyclesTotal.WithLabelValues(id, result).Inc()
	metrics.SyncCycleDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
}

func journalEntriesWritten(clusterID, kind string) {
	metrics.JournalEntriesWritten.WithLabelValues(clusterID, kind).Inc()
}
