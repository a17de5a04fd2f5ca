package domain

// PeerID identifies a participant for the lifetime of a session.
type PeerID string

// Role decides which side of a peer pair sends the first offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateAnswerReceived
	StateConnected
	StateFailed
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerSent:
		return "answer-sent"
	case StateAnswerReceived:
		return "answer-received"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s NegotiationState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// ICECandidate is a remote or local candidate as carried on the wire.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}
