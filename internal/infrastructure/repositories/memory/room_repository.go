package memory

import (
	"context"
	"sort"
	"sync"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[string]map[domain.PeerID]string
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[string]map[domain.PeerID]string),
	}
}

func (r *MemoryRoomRepository) Join(ctx context.Context, room string, peerID domain.PeerID, connID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.PeerID]string)
		r.rooms[room] = members
	}

	replaced := members[peerID]
	members[peerID] = connID
	return replaced, nil
}

func (r *MemoryRoomRepository) Leave(ctx context.Context, room string, peerID domain.PeerID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok || members[peerID] != connID {
		return false, nil
	}

	delete(members, peerID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return true, nil
}

func (r *MemoryRoomRepository) Members(ctx context.Context, room string) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]domain.PeerID, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (r *MemoryRoomRepository) Close() error {
	return nil
}
