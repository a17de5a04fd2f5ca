package ports

import (
	"context"

	"lanvoice/internal/core/domain"
)

// MediaEngine creates per-peer media connections sharing one local audio
// track. All observer callbacks of every connection are delivered through
// the single Events channel.
type MediaEngine interface {
	NewConnection(ctx context.Context, peerID domain.PeerID) (MediaConnection, error)
	Events() <-chan domain.EngineEvent
	SetLocalAudioEnabled(enabled bool)
	LocalAudioEnabled() bool
	Close() error
}

// MediaConnection is one engine connection handle. Methods are called from
// the owning negotiator only, one at a time.
type MediaConnection interface {
	ID() uint64
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetLocalDescription(ctx context.Context, kind domain.SignalKind, sdp string) error
	SetRemoteDescription(ctx context.Context, kind domain.SignalKind, sdp string) error
	AddICECandidate(c domain.ICECandidate) error
	Close() error
}
