package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections counts live TCP connections by role
	// ("app", "hardware", or "unauthenticated").
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Number of live client connections by role.",
	}, []string{"role"})

	// LiveSessions counts user sessions currently held in the registry.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_live_sessions",
		Help: "Number of user sessions currently resident in memory.",
	})

	// FramesIn counts decoded inbound frames by command.
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_in_total",
		Help: "Inbound frames decoded, by command.",
	}, []string{"command"})

	// FramesRouted counts frames forwarded between connections of a session.
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_routed_total",
		Help: "Frames fanned out to other connections, by direction.",
	}, []string{"direction"})

	// ProtocolErrors counts connections dropped for malformed frames.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_protocol_errors_total",
		Help: "Connections closed due to protocol violations.",
	})
)
