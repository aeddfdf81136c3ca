package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "transitions_total", Help: "Status transitions applied, by new status and source"},
		[]string{"status", "source"},
	)
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "duplicate_updates_dropped_total", Help: "Updates discarded as duplicate or post-terminal"})

	CacheHits   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_sync", Name: "cache_hits_total", Help: "Snapshot cache hits, by tier"}, []string{"tier"})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "cache_misses_total", Help: "Snapshot cache misses"})

	PollsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "polls_total", Help: "Lightweight status fetches issued"})
	PollErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "poll_errors_total", Help: "Lightweight status fetches that failed"})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sync", Name: "reconnects_total", Help: "Channel reconnection attempts"})
	HeartbeatRTT    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_sync", Name: "heartbeat_rtt_seconds", Help: "Last measured heartbeat round trip"})
)
