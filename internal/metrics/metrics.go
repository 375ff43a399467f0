package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshroom_active_sessions",
		Help: "Number of registered peer sessions",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshroom_sessions_created_total",
		Help: "Total number of peer sessions created",
	})

	SessionsTornDownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshroom_sessions_torn_down_total",
		Help: "Total number of peer sessions torn down",
	})

	SignalMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshroom_signal_messages_total",
		Help: "Total signaling messages",
	}, []string{"type", "direction"}) // direction: "in" | "out"

	GlareDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshroom_glare_drops_total",
		Help: "Total remote offers dropped because a local offer was already committed",
	})

	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshroom_ice_restarts_total",
		Help: "Total ICE restart attempts",
	})

	TerminalFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshroom_terminal_failures_total",
		Help: "Total peer sessions reported unreachable after exhausting retries",
	})

	ReconcilePassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshroom_reconcile_passes_total",
		Help: "Total mesh reconciliation passes",
	})

	SignalingReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshroom_signaling_reconnects_total",
		Help: "Total signaling channel reconnects",
	})

	QueuedCandidates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshroom_queued_ice_candidates",
		Help: "ICE candidates buffered while waiting for a remote description",
	})
)
