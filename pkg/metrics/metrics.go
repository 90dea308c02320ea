// Package metrics declares the prometheus collectors exported by the node.
package metrics

import (
	"github.com/meshd-io/meshd/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: version.Program + "_packets_forwarded_total",
		Help: "Count of packets relayed for other nodes, by packet type",
	}, []string{"type"})

	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: version.Program + "_packets_dropped_total",
		Help: "Count of packets dropped instead of forwarded, by reason",
	}, []string{"reason"})

	FramesDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: version.Program + "_frames_decoded_total",
		Help: "Count of inbound payload classifications",
	}, []string{"result"})

	SendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: version.Program + "_send_retries_total",
		Help: "Count of peer send attempts that had to be retried",
	})

	ProbeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: version.Program + "_probe_results_total",
		Help: "Count of discovery probe outcomes",
	}, []string{"result"})

	RoutingTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: version.Program + "_routing_table_size",
		Help: "Number of fresh entries in the primary routing table",
	})

	NeighborCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: version.Program + "_neighbor_count",
		Help: "Number of known direct neighbors",
	})

	PendingFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: version.Program + "_pending_files",
		Help: "Number of partially reassembled inbound files",
	})
)

// MustRegister registers all node metrics.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PacketsForwarded,
		PacketsDropped,
		FramesDecoded,
		SendRetries,
		ProbeResults,
		RoutingTableSize,
		NeighborCount,
		PendingFiles,
	)
}
