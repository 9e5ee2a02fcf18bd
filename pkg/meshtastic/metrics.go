// Copyright 2024-2026 Aiku AI

package meshtastic

import "github.com/prometheus/client_golang/prometheus"

var (
	packetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "meshtastic",
		Name:      "packets_total",
		Help:      "Packets received per transport, by outcome.",
	}, []string{"transport", "outcome"})

	linkUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshbridge",
		Subsystem: "meshtastic",
		Name:      "link_up",
		Help:      "Whether the transport is currently connected.",
	}, []string{"transport"})
)

func init() {
	prometheus.MustRegister(packetsTotal, linkUp)
}
