package services

import (
	"sort"
	"sync"

	"lanvoice/internal/core/domain"
)

// MembershipTracker is the local view of the room. Join notices may arrive
// both through a peer-list snapshot and as incremental new-peer events, and
// either may be repeated, so Apply only reports actual changes.
type MembershipTracker struct {
	localID domain.PeerID

	mu      sync.RWMutex
	members map[domain.PeerID]struct{}
	hostID  domain.PeerID
}

func NewMembershipTracker(localID domain.PeerID) *MembershipTracker {
	return &MembershipTracker{
		localID: localID,
		members: map[domain.PeerID]struct{}{localID: {}},
	}
}

// Apply folds one membership message into the room and returns the derived
// events. Negotiation messages yield nothing.
func (t *MembershipTracker) Apply(msg domain.SignalMessage) []domain.MembershipEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch msg.Kind {
	case domain.KindJoin, domain.KindNewPeer:
		if ev, ok := t.add(msg.PeerID); ok {
			return []domain.MembershipEvent{ev}
		}

	case domain.KindPeerLeft:
		if ev, ok := t.remove(msg.PeerID); ok {
			return []domain.MembershipEvent{ev}
		}

	case domain.KindPeerList:
		return t.reconcile(msg.PeerList())

	case domain.KindHost:
		t.hostID = msg.PeerID
	}

	return nil
}

// reconcile treats ids as the relay's complete view of the room: unknown
// ids join, known members missing from it have left.
func (t *MembershipTracker) reconcile(ids []domain.PeerID) []domain.MembershipEvent {
	var events []domain.MembershipEvent

	present := make(map[domain.PeerID]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
		if ev, ok := t.add(id); ok {
			events = append(events, ev)
		}
	}

	var gone []domain.PeerID
	for id := range t.members {
		if _, ok := present[id]; !ok && id != t.localID {
			gone = append(gone, id)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })

	for _, id := range gone {
		if ev, ok := t.remove(id); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (t *MembershipTracker) add(id domain.PeerID) (domain.MembershipEvent, bool) {
	if id == "" || id == t.localID {
		return domain.MembershipEvent{}, false
	}
	if _, ok := t.members[id]; ok {
		return domain.MembershipEvent{}, false
	}
	t.members[id] = struct{}{}
	return domain.MembershipEvent{Kind: domain.MemberJoined, PeerID: id}, true
}

func (t *MembershipTracker) remove(id domain.PeerID) (domain.MembershipEvent, bool) {
	if id == t.localID {
		return domain.MembershipEvent{}, false
	}
	if _, ok := t.members[id]; !ok {
		return domain.MembershipEvent{}, false
	}
	delete(t.members, id)
	return domain.MembershipEvent{Kind: domain.MemberLeft, PeerID: id}, true
}

// CurrentMembers returns the sorted member ids, the local id included.
func (t *MembershipTracker) CurrentMembers() []domain.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]domain.PeerID, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *MembershipTracker) Contains(id domain.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.members[id]
	return ok
}

// HostID is empty until a host message has been applied.
func (t *MembershipTracker) HostID() domain.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hostID
}
