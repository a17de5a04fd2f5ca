package domain

// SignalKind tags the variants of SignalMessage.
type SignalKind string

const (
	KindJoin         SignalKind = "join"
	KindPeerList     SignalKind = "peer-list"
	KindNewPeer      SignalKind = "new-peer"
	KindPeerLeft     SignalKind = "peer-left"
	KindHost         SignalKind = "host"
	KindOffer        SignalKind = "offer"
	KindAnswer       SignalKind = "answer"
	KindICECandidate SignalKind = "ice-candidate"
)

// IsNegotiation reports whether the kind travels inside a "signal" frame.
func (k SignalKind) IsNegotiation() bool {
	return k == KindOffer || k == KindAnswer || k == KindICECandidate
}

// SignalMessage is the tagged union exchanged over the signaling channel.
// Which fields are meaningful depends on Kind. Build values with the
// constructors below; they copy slices so a message never changes after
// construction.
type SignalMessage struct {
	Kind SignalKind

	// join, new-peer, peer-left, host
	PeerID PeerID
	// peer-list
	Peers []PeerID

	// offer, answer, ice-candidate
	From      PeerID
	To        PeerID
	SDP       string
	Candidate ICECandidate
}

func NewJoin(id PeerID) SignalMessage     { return SignalMessage{Kind: KindJoin, PeerID: id} }
func NewNewPeer(id PeerID) SignalMessage  { return SignalMessage{Kind: KindNewPeer, PeerID: id} }
func NewPeerLeft(id PeerID) SignalMessage { return SignalMessage{Kind: KindPeerLeft, PeerID: id} }
func NewHost(id PeerID) SignalMessage     { return SignalMessage{Kind: KindHost, PeerID: id} }

func NewPeerList(ids []PeerID) SignalMessage {
	peers := make([]PeerID, len(ids))
	copy(peers, ids)
	return SignalMessage{Kind: KindPeerList, Peers: peers}
}

func NewOffer(from, to PeerID, sdp string) SignalMessage {
	return SignalMessage{Kind: KindOffer, From: from, To: to, SDP: sdp}
}

func NewAnswer(from, to PeerID, sdp string) SignalMessage {
	return SignalMessage{Kind: KindAnswer, From: from, To: to, SDP: sdp}
}

func NewICECandidate(from, to PeerID, c ICECandidate) SignalMessage {
	return SignalMessage{Kind: KindICECandidate, From: from, To: to, Candidate: c}
}

// PeerList returns a copy of the peer-list payload.
func (m SignalMessage) PeerList() []PeerID {
	peers := make([]PeerID, len(m.Peers))
	copy(peers, m.Peers)
	return peers
}

// RelayEnvelope carries an encoded frame between relay instances serving the
// same room. An empty To addresses every local member except Except.
type RelayEnvelope struct {
	Room   string
	To     PeerID
	Except PeerID
	Frame  []byte
}
