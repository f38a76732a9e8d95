// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamPacketsTotal counts packets by stream address and stage (recv, matched, written)
	StreamPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caputils_stream_packets_total",
			Help: "Total number of packets handled by a stream",
		},
		[]string{"stream", "stage"},
	)

	// StreamBytesTotal counts capture record bytes by stream address and direction
	StreamBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caputils_stream_bytes_total",
			Help: "Total number of capture record bytes read or written",
		},
		[]string{"stream", "direction"},
	)

	// StreamSequenceGapsTotal counts frames lost between a sender and this reader
	StreamSequenceGapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caputils_stream_sequence_gaps_total",
			Help: "Total number of missing frames detected through send sequence numbers",
		},
		[]string{"stream"},
	)

	// StreamDesyncTotal counts records skipped because caplen was zero
	StreamDesyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caputils_stream_desync_total",
			Help: "Total number of desynchronised capture records skipped",
		},
		[]string{"stream"},
	)

	// StreamBufferUsage tracks the bytes waiting in a stream buffer
	StreamBufferUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "caputils_stream_buffer_usage_bytes",
			Help: "Bytes currently buffered by a stream",
		},
		[]string{"stream"},
	)

	// MarcMessagesTotal counts MArC messages by direction and event
	MarcMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caputils_marc_messages_total",
			Help: "Total number of MArC messages sent or received",
		},
		[]string{"direction", "event"},
	)

	// MarcCompatActivationsTotal counts peers switched to legacy compatibility mode
	MarcCompatActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caputils_marc_compat_activations_total",
			Help: "Total number of sessions switched to legacy compatibility mode",
		},
		[]string{"role"},
	)

	// MarcDroppedTotal counts received messages that were discarded
	MarcDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caputils_marc_dropped_total",
			Help: "Total number of MArC messages dropped",
		},
		[]string{"reason"},
	)
)
