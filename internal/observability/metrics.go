package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric this core exposes. Grounded on
// the teacher's internal/observability/metrics.go promauto registration
// pattern, narrowed to the fabric/signaling/control-channel concerns
// this core actually has.
type Metrics struct {
	// Fabric (internal/fabric) metrics
	BrokerConnected      *prometheus.GaugeVec
	BrokerReconnects     *prometheus.CounterVec
	BrokerReconnectGaveUp *prometheus.CounterVec
	PublishesSent        *prometheus.CounterVec

	// Deduplication (internal/dedup) metrics
	DedupDropsTotal prometheus.Counter
	DedupCacheSize  prometheus.Gauge

	// Peer connection (internal/peerstate) metrics
	PeerConnectionState  *prometheus.GaugeVec
	PeerConnectionsTotal *prometheus.CounterVec
	ICERestartsTotal     *prometheus.CounterVec
	ConnectionRTT        *prometheus.HistogramVec
	ConnectionPacketLoss *prometheus.HistogramVec

	// Control channel (internal/control) metrics
	ChatMessagesSent        prometheus.Counter
	RemoteMicHandoffsTotal  *prometheus.CounterVec
	ModerationEventsTotal   *prometheus.CounterVec

	// Network-level reconnect (internal/session) metrics
	NetworkReconnectsTotal prometheus.Counter
}

// NewMetrics creates and registers every Prometheus metric. Metric
// names follow p2pconf_<subsystem>_<metric>_<unit>.
func NewMetrics() *Metrics {
	return &Metrics{
		BrokerConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "p2pconf_broker_connected",
				Help: "Whether a given MQTT broker is currently connected (1) or not (0)",
			},
			[]string{"broker_url"},
		),

		BrokerReconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pconf_broker_reconnects_total",
				Help: "Total number of per-broker reconnect attempts scheduled",
			},
			[]string{"broker_url"},
		),

		BrokerReconnectGaveUp: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pconf_broker_reconnect_gave_up_total",
				Help: "Total number of times a broker exhausted its reconnect attempt cap",
			},
			[]string{"broker_url"},
		),

		PublishesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pconf_publishes_sent_total",
				Help: "Total number of PUBLISH frames sent across all brokers",
			},
			[]string{"topic"},
		),

		DedupDropsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "p2pconf_dedup_drops_total",
				Help: "Total number of inbound envelopes dropped as cross-broker duplicates",
			},
		),

		DedupCacheSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "p2pconf_dedup_cache_entries",
				Help: "Current number of entries in the msgId deduplication cache",
			},
		),

		PeerConnectionState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "p2pconf_peer_connection_state",
				Help: "1 if a peer is currently in the given signaling state, else 0",
			},
			[]string{"peer_id", "state"},
		),

		PeerConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pconf_peer_connections_total",
				Help: "Total number of peer connection outcomes",
			},
			[]string{"outcome"}, // connected, left
		),

		ICERestartsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pconf_ice_restarts_total",
				Help: "Total number of ICE restart attempts by outcome",
			},
			[]string{"outcome"}, // attempted, exhausted
		),

		ConnectionRTT: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "p2pconf_connection_rtt_milliseconds",
				Help:    "Sampled peer connection round-trip time in milliseconds",
				Buckets: []float64{10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"peer_id"},
		),

		ConnectionPacketLoss: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "p2pconf_connection_packet_loss_ratio",
				Help:    "Sampled peer connection packet loss ratio (0-1)",
				Buckets: []float64{0.001, 0.01, 0.03, 0.08, 0.15, 0.3},
			},
			[]string{"peer_id"},
		),

		ChatMessagesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "p2pconf_chat_messages_sent_total",
				Help: "Total number of chat messages sent over the chat data channel",
			},
		),

		RemoteMicHandoffsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pconf_remote_mic_handoffs_total",
				Help: "Total number of remote-microphone handoff events by kind",
			},
			[]string{"kind"}, // request, accepted, rejected, started, stopped
		),

		ModerationEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2pconf_moderation_events_total",
				Help: "Total number of moderation events by kind",
			},
			[]string{"kind"}, // room-locked, room-unlocked, mute-all-request, mute-all-response, hand-raised, hand-lowered
		),

		NetworkReconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "p2pconf_network_reconnects_total",
				Help: "Total number of process-level network-loss recovery workflows run",
			},
		),
	}
}
