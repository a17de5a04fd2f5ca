package ports

import (
	"context"

	"lanvoice/internal/core/domain"
)

// RoomRepository stores the relay's view of which peer is attached through
// which websocket connection.
type RoomRepository interface {
	// Join records peerID as attached via connID, replacing any previous
	// connection. It returns the id of the replaced connection, if any.
	Join(ctx context.Context, room string, peerID domain.PeerID, connID string) (string, error)
	// Leave removes peerID only if it is still attached via connID.
	Leave(ctx context.Context, room string, peerID domain.PeerID, connID string) (bool, error)
	Members(ctx context.Context, room string) ([]domain.PeerID, error)
	Close() error
}
