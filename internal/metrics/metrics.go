package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchline_connections_active",
			Help: "Live websocket connections",
		},
	)

	HandshakesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchline_handshakes_rejected_total",
			Help: "Connection attempts refused during credential verification",
		},
	)

	// Message metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_messages_routed_total",
			Help: "Messages persisted and broadcast",
		},
		[]string{"room_kind"}, // "batch" or "channel"
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_messages_rejected_total",
			Help: "Messages rejected before broadcast",
		},
		[]string{"reason"},
	)

	// Channel lifecycle metrics
	ChannelsRetired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_channels_retired_total",
			Help: "Community rooms deleted after the grace period",
		},
		[]string{"path"}, // "timer" or "sweep"
	)

	ChannelTimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchline_channel_timers_armed",
			Help: "Deletion timers currently armed",
		},
	)

	// Notification metrics
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_notifications_created_total",
			Help: "Notifications persisted",
		},
		[]string{"kind"},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_notifications_suppressed_total",
			Help: "Notifications skipped as self-targeted or duplicate",
		},
		[]string{"reason"},
	)

	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_push_deliveries_total",
			Help: "Outbound push attempts by outcome",
		},
		[]string{"outcome"}, // "delivered", "gone", "failed"
	)

	// Vote metrics
	ReactionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_reaction_transitions_total",
			Help: "Reaction mutations by transition",
		},
		[]string{"transition"},
	)
)
