package monitoring

import (
	"time"

	"lanvoice/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	signalMessages    *prometheus.CounterVec
	malformedSignals  *prometheus.CounterVec
	reconnects        prometheus.Counter
	connectionStatus  *prometheus.GaugeVec
	stateTransitions  *prometheus.CounterVec
	peerConnections   prometheus.Gauge
	relayConnections  prometheus.Gauge
	remoteRTPBytes    prometheus.Counter
	hostMismatches    prometheus.Counter
	negotiationLength prometheus.Histogram
}

// NewPrometheusCollector registers the collector's metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanvoice_signal_messages_total",
			Help: "Signaling messages by direction and kind",
		}, []string{"direction", "kind"}),

		malformedSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanvoice_signal_malformed_total",
			Help: "Signaling frames dropped because they could not be decoded",
		}, []string{"direction"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanvoice_signal_reconnects_total",
			Help: "Signaling channel reconnection attempts",
		}),

		connectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lanvoice_signal_connection_status",
			Help: "1 for the current signaling channel status, 0 otherwise",
		}, []string{"status"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lanvoice_negotiation_transitions_total",
			Help: "Negotiation state machine transitions",
		}, []string{"from", "to"}),

		peerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanvoice_peer_connections",
			Help: "Peer connections currently tracked by the orchestrator",
		}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanvoice_relay_connections",
			Help: "Websocket connections attached to the signaling relay",
		}),

		remoteRTPBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanvoice_remote_rtp_bytes_total",
			Help: "RTP payload bytes received from remote audio tracks",
		}),

		hostMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanvoice_host_mismatch_total",
			Help: "Host announcements that contradicted the configured host",
		}),

		negotiationLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanvoice_negotiation_duration_seconds",
			Help:    "Time from negotiation start to connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) SignalMessage(direction string, kind domain.SignalKind) {
	p.signalMessages.WithLabelValues(direction, string(kind)).Inc()
}

func (p *PrometheusCollector) MalformedSignal(direction string) {
	p.malformedSignals.WithLabelValues(direction).Inc()
}

func (p *PrometheusCollector) Reconnect() {
	p.reconnects.Inc()
}

func (p *PrometheusCollector) ConnectionStatus(status domain.ConnectionStatus) {
	for _, s := range []domain.ConnectionStatus{
		domain.StatusConnected, domain.StatusDisconnected, domain.StatusReconnecting, domain.StatusClosed,
	} {
		v := 0.0
		if s == status {
			v = 1
		}
		p.connectionStatus.WithLabelValues(string(s)).Set(v)
	}
}

func (p *PrometheusCollector) StateTransition(from, to domain.NegotiationState) {
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (p *PrometheusCollector) PeerConnections(n int) {
	p.peerConnections.Set(float64(n))
}

func (p *PrometheusCollector) NegotiationCompleted(d time.Duration) {
	p.negotiationLength.Observe(d.Seconds())
}

func (p *PrometheusCollector) RelayConnections(delta int) {
	p.relayConnections.Add(float64(delta))
}

func (p *PrometheusCollector) RemoteRTPBytes(n int) {
	p.remoteRTPBytes.Add(float64(n))
}

func (p *PrometheusCollector) HostMismatch() {
	p.hostMismatches.Inc()
}
