package signal

import (
	"context"
	"net/http"
	"testing"
	"time"

	"lanvoice/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketServer_JoinAnnouncesMembership(t *testing.T) {
	cfg := testServerConfig()
	cfg.HostID = "alice"
	relay := newTestRelay(t, cfg)

	alice := dialRaw(t, relay.url)
	writeFrame(t, alice, domain.NewJoin("alice"))

	host := readFrame(t, alice)
	assert.Equal(t, domain.KindHost, host.Kind)
	assert.Equal(t, domain.PeerID("alice"), host.PeerID)
	list := readFrame(t, alice)
	assert.Equal(t, domain.KindPeerList, list.Kind)
	assert.Empty(t, list.Peers)

	_, peers := joinRaw(t, relay.url, "bob", true)
	assert.Equal(t, []domain.PeerID{"alice"}, peers)

	joined := readFrame(t, alice)
	assert.Equal(t, domain.KindNewPeer, joined.Kind)
	assert.Equal(t, domain.PeerID("bob"), joined.PeerID)

	assert.ElementsMatch(t, []domain.PeerID{"alice", "bob"}, relay.server.ConnectedPeers())
}

func TestWebSocketServer_RoutesOnlyToRecipient(t *testing.T) {
	relay := newTestRelay(t, testServerConfig())

	alice, _ := joinRaw(t, relay.url, "alice", false)
	bob, _ := joinRaw(t, relay.url, "bob", false)
	require.Equal(t, domain.KindNewPeer, readFrame(t, alice).Kind)
	carol, _ := joinRaw(t, relay.url, "carol", false)
	require.Equal(t, domain.KindNewPeer, readFrame(t, alice).Kind)
	require.Equal(t, domain.KindNewPeer, readFrame(t, bob).Kind)

	// the relay rewrites from with the sender's joined id
	writeFrame(t, alice, domain.NewOffer("mallory", "bob", testSDP))

	offer := readFrame(t, bob)
	assert.Equal(t, domain.KindOffer, offer.Kind)
	assert.Equal(t, domain.PeerID("alice"), offer.From)
	assert.Equal(t, domain.PeerID("bob"), offer.To)
	assert.Equal(t, testSDP, offer.SDP)

	carol.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := carol.ReadMessage()
	assert.Error(t, err, "carol must not see a signal addressed to bob")
}

func TestWebSocketServer_DropsInvalidFrames(t *testing.T) {
	relay := newTestRelay(t, testServerConfig())

	alice, _ := joinRaw(t, relay.url, "alice", false)
	bob, _ := joinRaw(t, relay.url, "bob", false)
	require.Equal(t, domain.KindNewPeer, readFrame(t, alice).Kind)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	writeFrame(t, alice, domain.NewOffer("alice", "bob", "garbage sdp"))
	writeFrame(t, alice, domain.NewOffer("alice", "nobody", testSDP))
	writeFrame(t, alice, domain.NewICECandidate("alice", "bob", domain.ICECandidate{Candidate: "candidate:1", SDPMid: "0"}))

	msg := readFrame(t, bob)
	assert.Equal(t, domain.KindICECandidate, msg.Kind)
	assert.Equal(t, "candidate:1", msg.Candidate.Candidate)
}

func TestWebSocketServer_PeerLeftOnlyForLiveConnection(t *testing.T) {
	relay := newTestRelay(t, testServerConfig())

	alice, _ := joinRaw(t, relay.url, "alice", false)
	bobOld, _ := joinRaw(t, relay.url, "bob", false)
	require.Equal(t, domain.NewNewPeer("bob"), readFrame(t, alice))

	bobNew, peers := joinRaw(t, relay.url, "bob", false)
	assert.Equal(t, []domain.PeerID{"alice"}, peers)
	require.Equal(t, domain.NewNewPeer("bob"), readFrame(t, alice))

	// the relay drops the replaced connection
	bobOld.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := bobOld.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(100 * time.Millisecond)

	members, err := relay.repo.Members(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice", "bob"}, members)

	// carol's arrival is the next thing alice hears, not a peer-left for bob
	joinRaw(t, relay.url, "carol", false)
	assert.Equal(t, domain.NewNewPeer("carol"), readFrame(t, alice))

	require.NoError(t, bobNew.Close())
	assert.Equal(t, domain.NewPeerLeft("bob"), readFrame(t, alice))
}

func TestWebSocketServer_RequiresJoinFirst(t *testing.T) {
	relay := newTestRelay(t, testServerConfig())

	conn := dialRaw(t, relay.url)
	writeFrame(t, conn, domain.NewOffer("alice", "bob", testSDP))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, relay.server.ConnectedPeers())
}

func TestWebSocketServer_RejectsInvalidPeerID(t *testing.T) {
	relay := newTestRelay(t, testServerConfig())

	conn := dialRaw(t, relay.url)
	writeFrame(t, conn, domain.NewJoin("<script>"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketServer_MaxConnections(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxConnections = 1
	relay := newTestRelay(t, cfg)

	joinRaw(t, relay.url, "alice", false)

	_, resp, err := websocket.DefaultDialer.Dial(relay.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketServer_RateLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimitEnabled = true
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	relay := newTestRelay(t, cfg)

	alice, _ := joinRaw(t, relay.url, "alice", false)
	bob, _ := joinRaw(t, relay.url, "bob", false)
	require.Equal(t, domain.KindNewPeer, readFrame(t, alice).Kind)

	writeFrame(t, alice, domain.NewOffer("alice", "bob", testSDP))
	writeFrame(t, alice, domain.NewICECandidate("alice", "bob", domain.ICECandidate{Candidate: "candidate:1"}))

	assert.Equal(t, domain.KindOffer, readFrame(t, bob).Kind)

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "second frame exceeds the burst and is dropped")
}
