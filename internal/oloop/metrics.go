package oloop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	insertedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openset_inserted_rows_total",
		Help: "the number of event rows committed",
	})
	badRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openset_bad_records_total",
		Help: "the number of person records skipped as corrupt",
	})
	segmentCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openset_segment_cache_hits_total",
		Help: "the number of segment queries answered from a live TTL cache",
	})
	triggerMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openset_trigger_messages_total",
		Help: "the number of trigger messages drained for dispatch",
	})
)

func nowPlus(ms int64) int64 {
	return time.Now().UnixMilli() + ms
}
