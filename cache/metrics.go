package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// flushTotal counts flushes that reached the remote store, by result
	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurbsync_cache_flush_total",
		Help: "Cache flushes sent to the remote store by result",
	}, []string{"result"})

	// updateTotal counts downloads from the remote store, by result
	updateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blurbsync_cache_update_total",
		Help: "Cache updates from the remote store by result",
	}, []string{"result"})
)
