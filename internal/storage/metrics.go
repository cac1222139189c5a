package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheLookups counts cache reads by result: hit, miss, expired.
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmj_cache_lookups_total",
		Help: "Result cache lookups by result",
	}, []string{"result"})

	// cacheSwept counts entries removed by SweepExpired.
	cacheSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jmj_cache_swept_total",
		Help: "Expired cache entries removed by sweeps",
	})

	// queueOps counts offline queue operations by kind.
	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmj_queue_operations_total",
		Help: "Offline queue operations by kind",
	}, []string{"op"})

	// storeErrors counts failed store operations by error class.
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jmj_store_errors_total",
		Help: "Failed store operations by error class",
	}, []string{"class"})
)
