package signal

import (
	"encoding/json"
	"fmt"

	"lanvoice/internal/core/domain"
	apperrors "lanvoice/pkg/errors"
)

// Event names used on the wire. Negotiation messages all travel as
// eventSignal with the concrete kind in the payload's "type" field.
const (
	eventJoin     = "join"
	eventPeerList = "peer-list"
	eventNewPeer  = "new-peer"
	eventPeerLeft = "peer-left"
	eventHost     = "host"
	eventSignal   = "signal"
)

type frame struct {
	Event string          `json:"event"`
	To    domain.PeerID   `json:"to,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type signalPayload struct {
	Type          domain.SignalKind `json:"type"`
	From          domain.PeerID     `json:"from"`
	SDP           string            `json:"sdp,omitempty"`
	Candidate     string            `json:"candidate,omitempty"`
	SDPMid        *string           `json:"sdpMid,omitempty"`
	SDPMLineIndex *int              `json:"sdpMLineIndex,omitempty"`
}

// Encode serializes msg into one wire frame.
func Encode(msg domain.SignalMessage) ([]byte, error) {
	var (
		f    frame
		data interface{}
	)

	switch msg.Kind {
	case domain.KindJoin, domain.KindNewPeer, domain.KindPeerLeft, domain.KindHost:
		if msg.PeerID == "" {
			return nil, malformed(nil, "%s requires a peer id", msg.Kind)
		}
		f.Event = string(msg.Kind)
		data = msg.PeerID

	case domain.KindPeerList:
		f.Event = eventPeerList
		peers := msg.PeerList()
		if peers == nil {
			peers = []domain.PeerID{}
		}
		data = peers

	case domain.KindOffer, domain.KindAnswer:
		if msg.From == "" || msg.SDP == "" {
			return nil, malformed(nil, "%s requires from and sdp", msg.Kind)
		}
		f.Event = eventSignal
		f.To = msg.To
		data = signalPayload{Type: msg.Kind, From: msg.From, SDP: msg.SDP}

	case domain.KindICECandidate:
		if msg.From == "" || msg.Candidate.Candidate == "" {
			return nil, malformed(nil, "ice-candidate requires from and candidate")
		}
		mid := msg.Candidate.SDPMid
		idx := int(msg.Candidate.SDPMLineIndex)
		f.Event = eventSignal
		f.To = msg.To
		data = signalPayload{
			Type:          msg.Kind,
			From:          msg.From,
			Candidate:     msg.Candidate.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}

	default:
		return nil, malformed(nil, "unknown message kind %q", msg.Kind)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, malformed(err, "failed to encode payload")
	}
	f.Data = raw

	return json.Marshal(f)
}

// Decode parses one wire frame. Any failure is a MALFORMED_SIGNAL error.
func Decode(raw []byte) (domain.SignalMessage, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.SignalMessage{}, malformed(err, "invalid frame")
	}
	if len(f.Data) == 0 {
		return domain.SignalMessage{}, malformed(nil, "%q frame has no data", f.Event)
	}

	switch f.Event {
	case eventJoin, eventNewPeer, eventPeerLeft, eventHost:
		var id domain.PeerID
		if err := json.Unmarshal(f.Data, &id); err != nil {
			return domain.SignalMessage{}, malformed(err, "%s payload must be a peer id", f.Event)
		}
		if id == "" {
			return domain.SignalMessage{}, malformed(nil, "%s payload is empty", f.Event)
		}
		return domain.SignalMessage{Kind: domain.SignalKind(f.Event), PeerID: id}, nil

	case eventPeerList:
		var ids []domain.PeerID
		if err := json.Unmarshal(f.Data, &ids); err != nil {
			return domain.SignalMessage{}, malformed(err, "peer-list payload must be a list of peer ids")
		}
		for _, id := range ids {
			if id == "" {
				return domain.SignalMessage{}, malformed(nil, "peer-list contains an empty peer id")
			}
		}
		return domain.NewPeerList(ids), nil

	case eventSignal:
		return decodeSignal(f)

	default:
		return domain.SignalMessage{}, malformed(nil, "unknown event %q", f.Event)
	}
}

func decodeSignal(f frame) (domain.SignalMessage, error) {
	var p signalPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return domain.SignalMessage{}, malformed(err, "invalid signal payload")
	}
	if p.From == "" {
		return domain.SignalMessage{}, malformed(nil, "signal payload missing from")
	}

	switch p.Type {
	case domain.KindOffer, domain.KindAnswer:
		if p.SDP == "" {
			return domain.SignalMessage{}, malformed(nil, "%s missing sdp", p.Type)
		}
		return domain.SignalMessage{Kind: p.Type, From: p.From, To: f.To, SDP: p.SDP}, nil

	case domain.KindICECandidate:
		if p.Candidate == "" {
			return domain.SignalMessage{}, malformed(nil, "ice-candidate missing candidate")
		}
		c := domain.ICECandidate{Candidate: p.Candidate}
		if p.SDPMid != nil {
			c.SDPMid = *p.SDPMid
		}
		if p.SDPMLineIndex != nil {
			if *p.SDPMLineIndex < 0 || *p.SDPMLineIndex > 0xFFFF {
				return domain.SignalMessage{}, malformed(nil, "sdpMLineIndex out of range: %d", *p.SDPMLineIndex)
			}
			c.SDPMLineIndex = uint16(*p.SDPMLineIndex)
		}
		return domain.NewICECandidate(p.From, f.To, c), nil

	default:
		return domain.SignalMessage{}, malformed(nil, "unknown signal type %q", p.Type)
	}
}

func malformed(cause error, format string, args ...interface{}) error {
	return apperrors.NewMalformedSignalError(cause, fmt.Sprintf(format, args...))
}
