// Package metrics registers the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayRequestsTotal 按最终结果统计代理请求：
	// success / passthrough_error / pool_exhausted / retries_exhausted / canceled
	RelayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tavily2api",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Proxied requests by final outcome.",
	}, []string{"outcome"})

	// FailoversTotal 触发换 key 重试的上游结果，按状态类统计
	FailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tavily2api",
		Subsystem: "relay",
		Name:      "failovers_total",
		Help:      "Upstream outcomes that demoted a key and triggered a retry.",
	}, []string{"class"})

	KeysInvalidatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tavily2api",
		Subsystem: "pool",
		Name:      "keys_invalidated_total",
		Help:      "Keys permanently invalidated by upstream auth rejection.",
	})

	SyncRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tavily2api",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Completed quota reconciliation passes.",
	})
)
