// Package metrics exposes the gateway's Prometheus instrumentation.
// Kept as one small registry-backed package rather than scattering
// prometheus.MustRegister calls through every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_frames_decoded_total",
		Help: "Frames passed to a decoder, by protocol (including frames that failed to decode).",
	}, []string{"protocol"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_decode_errors_total",
		Help: "Frames whose decode returned an error, by protocol; records decoded from such a frame are still routed.",
	}, []string{"protocol"})

	PositionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackgw_positions_applied_total",
		Help: "Position records that mutated the device registry.",
	})

	PositionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_positions_dropped_total",
		Help: "Position records dropped, by reason.",
	}, []string{"reason"})

	GeofenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_geofence_transitions_total",
		Help: "Geofence transitions emitted, by direction.",
	}, []string{"direction"})

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_events_dispatched_total",
		Help: "Events handed to the notifier, by type.",
	}, []string{"type"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackgw_ws_clients",
		Help: "Currently registered WebSocket clients.",
	})

	PushSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_push_sent_total",
		Help: "Expo push notifications sent, by outcome.",
	}, []string{"outcome"})
)
