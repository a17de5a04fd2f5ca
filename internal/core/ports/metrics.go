package ports

import (
	"time"

	"lanvoice/internal/core/domain"
)

// MetricsRecorder receives the counters and gauges the core maintains.
type MetricsRecorder interface {
	SignalMessage(direction string, kind domain.SignalKind)
	MalformedSignal(direction string)
	Reconnect()
	ConnectionStatus(status domain.ConnectionStatus)
	StateTransition(from, to domain.NegotiationState)
	PeerConnections(n int)
	NegotiationCompleted(d time.Duration)
	RelayConnections(delta int)
	RemoteRTPBytes(n int)
	HostMismatch()
}
