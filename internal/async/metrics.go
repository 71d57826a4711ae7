package async

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cellRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openset_async_cell_runs_total",
		Help: "the number of cell run slices dispatched",
	})
	suspendCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openset_async_suspend_cycles_total",
		Help: "the number of completed suspend barriers",
	})
	partitionsMapped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openset_async_partitions_mapped",
		Help: "the number of partitions materialized on this node",
	})
)
