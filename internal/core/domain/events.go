package domain

// ConnectionStatus is the signaling channel's transport status.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusClosed       ConnectionStatus = "closed"
)

// ChannelEvent is one item of the signaling channel's event stream: either
// an inbound message or a change of transport status.
type ChannelEvent struct {
	Message *SignalMessage
	Status  ConnectionStatus
}

func MessageEvent(m SignalMessage) ChannelEvent { return ChannelEvent{Message: &m} }

func StatusEvent(s ConnectionStatus) ChannelEvent { return ChannelEvent{Status: s} }

type MembershipEventKind int

const (
	MemberJoined MembershipEventKind = iota
	MemberLeft
)

type MembershipEvent struct {
	Kind   MembershipEventKind
	PeerID PeerID
}

// EngineEventKind enumerates the media engine's observer callbacks.
type EngineEventKind int

const (
	EngineLocalCandidate EngineEventKind = iota
	EngineConnectionState
	EngineTrackAdded
	EngineTrackRemoved
)

// EngineConnState is the media engine's view of one connection's transport.
type EngineConnState string

const (
	EngineStateConnecting   EngineConnState = "connecting"
	EngineStateConnected    EngineConnState = "connected"
	EngineStateDisconnected EngineConnState = "disconnected"
	EngineStateFailed       EngineConnState = "failed"
	EngineStateClosed       EngineConnState = "closed"
)

// EngineEvent is emitted by the media engine into its single event queue.
// ConnectionID identifies the engine connection that produced it, so events
// from a connection that has since been replaced can be discarded.
type EngineEvent struct {
	Kind         EngineEventKind
	PeerID       PeerID
	ConnectionID uint64
	Candidate    ICECandidate
	State        EngineConnState
	TrackID      string
}

// PeerEventKind enumerates events published to presentation consumers.
type PeerEventKind string

const (
	PeerJoined          PeerEventKind = "peer-joined"
	PeerLeft            PeerEventKind = "peer-left"
	PeerConnected       PeerEventKind = "peer-connected"
	RemoteStreamAdded   PeerEventKind = "remote-stream-added"
	RemoteStreamRemoved PeerEventKind = "remote-stream-removed"
	ConnectionFailed    PeerEventKind = "connection-failed"
	ConnectivityChanged PeerEventKind = "connectivity-changed"
)

type PeerEvent struct {
	Kind   PeerEventKind
	PeerID PeerID
	Reason string
	Status ConnectionStatus
}
