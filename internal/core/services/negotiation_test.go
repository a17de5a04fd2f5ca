package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func startNegotiator(t *testing.T, engine ports.MediaEngine, sender ports.SignalSender, timeout time.Duration) (*Negotiator, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	n := newNegotiator("alice", "bob", engine, sender, testMetrics(), obs, timeout, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	go n.run(ctx)
	t.Cleanup(func() {
		cancel()
		<-n.Done()
	})
	return n, obs
}

func requireState(t *testing.T, n *Negotiator, want domain.NegotiationState) {
	t.Helper()
	require.Eventually(t, func() bool { return n.State() == want }, waitFor, tick,
		"expected %s, still %s", want, n.State())
}

func candidate(s string) domain.ICECandidate {
	return domain.ICECandidate{Candidate: s, SDPMid: "0"}
}

func TestNegotiator_InitiatorRoundTrip(t *testing.T) {
	engine := newFakeEngine("alice", false)
	sender := &recordingSender{}
	n, obs := startNegotiator(t, engine, sender, 0)

	n.Start()
	requireState(t, n, domain.StateOfferSent)
	assert.Equal(t, domain.RoleInitiator, n.Role())

	offers := sender.sent(domain.KindOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("alice"), offers[0].From)
	assert.Equal(t, domain.PeerID("bob"), offers[0].To)

	n.HandleSignal(domain.NewAnswer("bob", "alice", "answer sdp"))
	requireState(t, n, domain.StateConnected)

	assert.Equal(t, []domain.NegotiationState{
		domain.StateOfferSent, domain.StateAnswerReceived, domain.StateConnected,
	}, obs.states())

	conns := engine.connections()
	require.Len(t, conns, 1)
	assert.Equal(t, []string{"create-offer", "local-offer", "remote-answer"}, conns[0].operations())
}

func TestNegotiator_ResponderRoundTrip(t *testing.T) {
	engine := newFakeEngine("alice", false)
	sender := &recordingSender{}
	n, obs := startNegotiator(t, engine, sender, 0)

	n.HandleSignal(domain.NewOffer("bob", "alice", "offer sdp"))
	requireState(t, n, domain.StateAnswerSent)
	assert.Equal(t, domain.RoleResponder, n.Role())
	require.Len(t, sender.sent(domain.KindAnswer), 1)

	conn := engine.connections()[0]
	n.HandleEngineEvent(domain.EngineEvent{
		Kind: domain.EngineConnectionState, PeerID: "bob", ConnectionID: conn.ID(), State: domain.EngineStateConnected,
	})
	requireState(t, n, domain.StateConnected)

	assert.Equal(t, []domain.NegotiationState{
		domain.StateOfferReceived, domain.StateAnswerSent, domain.StateConnected,
	}, obs.states())
}

func TestNegotiator_CandidatesBeforeOfferAreQueued(t *testing.T) {
	engine := newFakeEngine("alice", false)
	n, _ := startNegotiator(t, engine, &recordingSender{}, 0)

	n.HandleSignal(domain.NewICECandidate("bob", "alice", candidate("c1")))
	n.HandleSignal(domain.NewICECandidate("bob", "alice", candidate("c2")))
	n.HandleSignal(domain.NewOffer("bob", "alice", "offer sdp"))
	n.HandleSignal(domain.NewICECandidate("bob", "alice", candidate("c3")))

	requireState(t, n, domain.StateAnswerSent)
	conn := engine.connections()[0]
	require.Eventually(t, func() bool { return len(conn.appliedCandidates()) == 3 }, waitFor, tick)

	assert.Equal(t, []string{
		"remote-offer", "create-answer", "local-answer",
		"candidate c1", "candidate c2", "candidate c3",
	}, conn.operations())
}

func TestNegotiator_CandidatesBeforeAnswerAreQueued(t *testing.T) {
	engine := newFakeEngine("alice", false)
	n, _ := startNegotiator(t, engine, &recordingSender{}, 0)

	n.Start()
	requireState(t, n, domain.StateOfferSent)

	n.HandleSignal(domain.NewICECandidate("bob", "alice", candidate("c1")))
	n.HandleSignal(domain.NewICECandidate("bob", "alice", candidate("c2")))
	n.HandleSignal(domain.NewAnswer("bob", "alice", "answer sdp"))

	requireState(t, n, domain.StateConnected)
	conn := engine.connections()[0]
	assert.Equal(t, []string{
		"create-offer", "local-offer", "remote-answer", "candidate c1", "candidate c2",
	}, conn.operations())
}

func TestNegotiator_DuplicateOfferIsDropped(t *testing.T) {
	engine := newFakeEngine("alice", false)
	sender := &recordingSender{}
	n, _ := startNegotiator(t, engine, sender, 0)

	n.HandleSignal(domain.NewOffer("bob", "alice", "offer sdp"))
	n.HandleSignal(domain.NewOffer("bob", "alice", "offer sdp"))
	requireState(t, n, domain.StateAnswerSent)

	// a later input proves the duplicate was processed
	n.HandleSignal(domain.NewICECandidate("bob", "alice", candidate("c1")))
	require.Eventually(t, func() bool { return len(engine.connections()[0].appliedCandidates()) == 1 }, waitFor, tick)

	assert.Len(t, engine.connections(), 1)
	assert.Len(t, sender.sent(domain.KindAnswer), 1)
}

func TestNegotiator_NewOfferRenegotiates(t *testing.T) {
	engine := newFakeEngine("alice", false)
	sender := &recordingSender{}
	n, _ := startNegotiator(t, engine, sender, 0)

	n.HandleSignal(domain.NewOffer("bob", "alice", "first offer"))
	requireState(t, n, domain.StateAnswerSent)

	n.HandleSignal(domain.NewOffer("bob", "alice", "second offer"))
	require.Eventually(t, func() bool { return len(sender.sent(domain.KindAnswer)) == 2 }, waitFor, tick)
	requireState(t, n, domain.StateAnswerSent)

	conns := engine.connections()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].isClosed())
	assert.False(t, conns[1].isClosed())

	// events of the replaced connection are stale
	n.HandleEngineEvent(domain.EngineEvent{
		Kind: domain.EngineConnectionState, PeerID: "bob", ConnectionID: conns[0].ID(), State: domain.EngineStateFailed,
	})
	n.HandleEngineEvent(domain.EngineEvent{
		Kind: domain.EngineConnectionState, PeerID: "bob", ConnectionID: conns[1].ID(), State: domain.EngineStateConnected,
	})
	requireState(t, n, domain.StateConnected)
}

func TestNegotiator_AnswerOutsideOfferSentIsDropped(t *testing.T) {
	engine := newFakeEngine("alice", false)
	n, obs := startNegotiator(t, engine, &recordingSender{}, 0)

	n.HandleSignal(domain.NewAnswer("bob", "alice", "stray answer"))
	n.Start()
	requireState(t, n, domain.StateOfferSent)

	assert.Equal(t, []domain.NegotiationState{domain.StateOfferSent}, obs.states())
	assert.NotContains(t, engine.connections()[0].operations(), "remote-answer")
}

func TestNegotiator_RemoteRejectionFails(t *testing.T) {
	engine := newFakeEngine("alice", false)
	engine.failRemote = true
	sender := &recordingSender{}
	n, obs := startNegotiator(t, engine, sender, 0)

	n.HandleSignal(domain.NewOffer("bob", "alice", "broken offer"))
	requireState(t, n, domain.StateFailed)

	assert.Equal(t, "remote offer rejected", obs.lastReason())
	assert.Empty(t, sender.sent(domain.KindAnswer))
	assert.True(t, engine.connections()[0].isClosed())

	// terminal: further input is ignored
	n.Start()
	<-n.Done()
	assert.Equal(t, domain.StateFailed, n.State())
}

func TestNegotiator_SendFailureFails(t *testing.T) {
	engine := newFakeEngine("alice", false)
	sender := &mockSender{}
	sender.On("Send", mock.Anything).Return(domain.ErrNotConnected)
	n, obs := startNegotiator(t, engine, sender, 0)

	n.Start()
	requireState(t, n, domain.StateFailed)
	assert.Equal(t, reasonNotSent, obs.lastReason())
	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestNegotiator_CloseIsIdempotent(t *testing.T) {
	engine := newFakeEngine("alice", false)
	n, obs := startNegotiator(t, engine, &recordingSender{}, 0)

	n.HandleSignal(domain.NewOffer("bob", "alice", "offer sdp"))
	requireState(t, n, domain.StateAnswerSent)

	n.Close(reasonPeerLeft)
	n.Close(reasonPeerLeft)
	<-n.Done()
	n.Close(reasonPeerLeft)

	assert.Equal(t, domain.StateClosed, n.State())
	assert.Equal(t, []domain.NegotiationState{
		domain.StateOfferReceived, domain.StateAnswerSent, domain.StateClosed,
	}, obs.states())
	assert.True(t, engine.connections()[0].isClosed())
}

func TestNegotiator_CloseDiscardsInFlightWork(t *testing.T) {
	engine := newFakeEngine("alice", false)
	engine.gate = make(chan struct{})
	sender := &recordingSender{}
	n, _ := startNegotiator(t, engine, sender, 0)

	n.Start()
	require.Eventually(t, func() bool { return len(engine.connections()) == 1 }, waitFor, tick)

	n.Close(reasonShutdown)
	close(engine.gate)
	<-n.Done()

	assert.Equal(t, domain.StateClosed, n.State())
	assert.Empty(t, sender.sent(domain.KindOffer))
	assert.True(t, engine.connections()[0].isClosed())
}

func TestNegotiator_EngineFailure(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		state   domain.EngineConnState
		want    domain.NegotiationState
		reason  string
	}{
		{"failed before connected", false, domain.EngineStateFailed, domain.StateFailed, reasonLinkDown},
		{"closed before connected", false, domain.EngineStateClosed, domain.StateFailed, reasonEngineGone},
		{"failed after connected", true, domain.EngineStateFailed, domain.StateClosed, reasonLinkDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine("alice", false)
			n, obs := startNegotiator(t, engine, &recordingSender{}, 0)

			n.HandleSignal(domain.NewOffer("bob", "alice", "offer sdp"))
			requireState(t, n, domain.StateAnswerSent)
			id := engine.connections()[0].ID()

			if tt.connect {
				n.HandleEngineEvent(domain.EngineEvent{Kind: domain.EngineConnectionState, PeerID: "bob", ConnectionID: id, State: domain.EngineStateConnected})
				requireState(t, n, domain.StateConnected)
			}

			n.HandleEngineEvent(domain.EngineEvent{Kind: domain.EngineConnectionState, PeerID: "bob", ConnectionID: id, State: domain.EngineStateDisconnected})
			n.HandleEngineEvent(domain.EngineEvent{Kind: domain.EngineConnectionState, PeerID: "bob", ConnectionID: id, State: tt.state})
			requireState(t, n, tt.want)
			assert.Equal(t, tt.reason, obs.lastReason())
		})
	}
}

func TestNegotiator_Timeout(t *testing.T) {
	engine := newFakeEngine("alice", false)
	n, obs := startNegotiator(t, engine, &recordingSender{}, 50*time.Millisecond)

	n.Start()
	requireState(t, n, domain.StateFailed)
	assert.Equal(t, reasonTimeout, obs.lastReason())
}

func TestNegotiator_TimeoutDisarmedOnConnect(t *testing.T) {
	engine := newFakeEngine("alice", false)
	n, _ := startNegotiator(t, engine, &recordingSender{}, 50*time.Millisecond)

	n.Start()
	requireState(t, n, domain.StateOfferSent)
	n.HandleSignal(domain.NewAnswer("bob", "alice", "answer sdp"))
	requireState(t, n, domain.StateConnected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.StateConnected, n.State())
}

func TestNegotiator_LocalCandidatesAndTracks(t *testing.T) {
	engine := newFakeEngine("alice", false)
	sender := &recordingSender{}
	n, obs := startNegotiator(t, engine, sender, 0)

	n.Start()
	requireState(t, n, domain.StateOfferSent)
	id := engine.connections()[0].ID()

	n.HandleEngineEvent(domain.EngineEvent{Kind: domain.EngineLocalCandidate, PeerID: "bob", ConnectionID: id, Candidate: candidate("local1")})
	n.HandleEngineEvent(domain.EngineEvent{Kind: domain.EngineLocalCandidate, PeerID: "bob", ConnectionID: id + 100, Candidate: candidate("stale")})
	n.HandleEngineEvent(domain.EngineEvent{Kind: domain.EngineTrackAdded, PeerID: "bob", ConnectionID: id, TrackID: "audio_track_bob"})
	n.HandleEngineEvent(domain.EngineEvent{Kind: domain.EngineTrackRemoved, PeerID: "bob", ConnectionID: id, TrackID: "audio_track_bob"})

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.streams) == 2
	}, waitFor, tick)

	sent := sender.sent(domain.KindICECandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.PeerID("bob"), sent[0].To)
	assert.Equal(t, "local1", sent[0].Candidate.Candidate)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []bool{true, false}, obs.streams)
}

func TestNegotiator_FailIsTerminal(t *testing.T) {
	obs := &recordingObserver{}
	n := newNegotiator("alice", "bob", newFakeEngine("alice", false), &recordingSender{}, testMetrics(), obs, 0, zap.NewNop().Sugar())

	n.fail("boom", errors.New("boom"))
	n.transition(domain.StateConnected, "")

	assert.Equal(t, domain.StateFailed, n.State())
	assert.Equal(t, []domain.NegotiationState{domain.StateFailed}, obs.states())
}
