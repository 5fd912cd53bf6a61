// Package metrics registers the Prometheus instruments for the space
// fabric. Everything is registered on the default registry and served
// from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metaspace_connections_active",
		Help: "Open websocket connections.",
	})

	SpacesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metaspace_spaces_active",
		Help: "Spaces with at least one subscriber.",
	})

	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metaspace_events_broadcast_total",
		Help: "Events fanned out to space subscribers, by event name.",
	}, []string{"event"})

	BroadcastSendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaspace_broadcast_send_errors_total",
		Help: "Subscriber writes that failed during fan-out.",
	})

	ChatProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaspace_chat_messages_processed_total",
		Help: "Messages accepted into the chat pipeline.",
	})

	ChatSuccessful = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaspace_chat_messages_successful_total",
		Help: "Messages that completed broadcast.",
	})

	ChatFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaspace_chat_messages_failed_total",
		Help: "Messages rejected or rolled back.",
	})

	ChatRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaspace_chat_retries_total",
		Help: "Cache and persistence retry attempts.",
	})

	ChatDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaspace_chat_dead_lettered_total",
		Help: "Messages parked in the dead-letter queue after exhausted persistence retries.",
	})

	MediaStreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metaspace_media_streams_active",
		Help: "Active media streams, by kind.",
	}, []string{"kind"})

	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metaspace_webrtc_signals_relayed_total",
		Help: "Point-to-point signaling messages relayed, by signal type.",
	}, []string{"signal_type"})

	InvitesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metaspace_invites_sent_total",
		Help: "Space invitations created.",
	})
)
