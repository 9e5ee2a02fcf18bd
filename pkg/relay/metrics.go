// Copyright 2024-2026 Aiku AI

package relay

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "meshbridge"

var (
	meshEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "relay",
		Name:      "mesh_events_total",
		Help:      "Mesh packet observations by outcome.",
	}, []string{"outcome"})

	chatCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "relay",
		Name:      "chat_calls_total",
		Help:      "Calls to the chat adapter by operation and result.",
	}, []string{"op", "result"})

	meshCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "relay",
		Name:      "mesh_calls_total",
		Help:      "Calls to the mesh adapter by operation and result.",
	}, []string{"op", "result"})

	evictedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "relay",
		Name:      "evicted_records_total",
		Help:      "Records removed by eviction passes.",
	}, []string{"reason"})

	trackedRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "relay",
		Name:      "tracked_records",
		Help:      "Correlation records currently held in memory.",
	})

	dispatchDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "relay",
		Name:      "dispatch_dropped_total",
		Help:      "Inbound events dropped because the dispatch queue was full or stopped.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		meshEventsTotal,
		chatCallsTotal,
		meshCallsTotal,
		evictedTotal,
		trackedRecords,
		dispatchDroppedTotal,
	)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
