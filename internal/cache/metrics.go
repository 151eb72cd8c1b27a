package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreErrors 统计各后端的非预期存储错误（不含 ErrNotFound）。
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "offline_cache_errors_total",
		Help: "Total number of cache storage operation errors",
	},
	[]string{"backend", "operation"},
)
