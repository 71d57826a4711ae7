package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openset_queries_total",
		Help: "the number of completed query fan-outs",
	})
)
