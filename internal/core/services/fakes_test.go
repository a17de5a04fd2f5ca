package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
	"lanvoice/internal/infrastructure/monitoring"
	apperrors "lanvoice/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func testMetrics() ports.MetricsRecorder {
	return monitoring.NewPrometheusCollector(prometheus.NewRegistry())
}

// fakeEngine is a media engine that always succeeds unless told otherwise.
// With autoConnect set, a connection reports itself connected as soon as
// both descriptions are applied.
type fakeEngine struct {
	localID     domain.PeerID
	autoConnect bool

	mu         sync.Mutex
	nextID     uint64
	conns      []*fakeConn
	failRemote bool
	gate       chan struct{}
	enabled    bool

	events chan domain.EngineEvent
}

func newFakeEngine(localID domain.PeerID, autoConnect bool) *fakeEngine {
	return &fakeEngine{
		localID:     localID,
		autoConnect: autoConnect,
		enabled:     true,
		events:      make(chan domain.EngineEvent, 256),
	}
}

func (e *fakeEngine) NewConnection(ctx context.Context, peerID domain.PeerID) (ports.MediaConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	c := &fakeConn{id: e.nextID, peerID: peerID, engine: e}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEngine) Events() <-chan domain.EngineEvent { return e.events }

func (e *fakeEngine) SetLocalAudioEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

func (e *fakeEngine) LocalAudioEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) emit(ev domain.EngineEvent) {
	e.events <- ev
}

func (e *fakeEngine) connections() []*fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeConn(nil), e.conns...)
}

func (e *fakeEngine) connectionsTo(peer domain.PeerID) []*fakeConn {
	var out []*fakeConn
	for _, c := range e.connections() {
		if c.peerID == peer {
			out = append(out, c)
		}
	}
	return out
}

type fakeConn struct {
	id     uint64
	peerID domain.PeerID
	engine *fakeEngine

	mu         sync.Mutex
	ops        []string
	candidates []domain.ICECandidate
	localSet   bool
	remoteSet  bool
	closed     bool
}

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *fakeConn) CreateOffer(ctx context.Context) (string, error) {
	c.engine.mu.Lock()
	gate := c.engine.gate
	c.engine.mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.record("create-offer")
	return fmt.Sprintf("offer %s->%s #%d", c.engine.localID, c.peerID, c.id), nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (string, error) {
	c.record("create-answer")
	return fmt.Sprintf("answer %s->%s #%d", c.engine.localID, c.peerID, c.id), nil
}

func (c *fakeConn) SetLocalDescription(ctx context.Context, kind domain.SignalKind, sdp string) error {
	c.record("local-" + string(kind))
	c.mu.Lock()
	c.localSet = true
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *fakeConn) SetRemoteDescription(ctx context.Context, kind domain.SignalKind, sdp string) error {
	c.engine.mu.Lock()
	fail := c.engine.failRemote
	c.engine.mu.Unlock()
	if fail {
		return apperrors.NewNegotiationError(nil, "rejected "+string(kind))
	}

	c.record("remote-" + string(kind))
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *fakeConn) maybeConnect() {
	c.mu.Lock()
	ready := c.localSet && c.remoteSet && !c.closed
	c.mu.Unlock()

	if ready && c.engine.autoConnect {
		go c.engine.emit(domain.EngineEvent{
			Kind:         domain.EngineConnectionState,
			PeerID:       c.peerID,
			ConnectionID: c.id,
			State:        domain.EngineStateConnected,
		})
	}
}

func (c *fakeConn) AddICECandidate(cand domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.remoteSet {
		return apperrors.NewNegotiationError(nil, "no remote description")
	}
	c.ops = append(c.ops, "candidate "+cand.Candidate)
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) operations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) appliedCandidates() []domain.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ICECandidate(nil), c.candidates...)
}

// recordingSender collects everything a negotiator sends.
type recordingSender struct {
	mu   sync.Mutex
	msgs []domain.SignalMessage
}

func (s *recordingSender) Send(msg domain.SignalMessage) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) sent(kind domain.SignalKind) []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SignalMessage
	for _, m := range s.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(msg domain.SignalMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}

// recordingObserver collects negotiator notifications.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []domain.NegotiationState
	reasons     []string
	streams     []bool
}

func (o *recordingObserver) negotiationStateChanged(n *Negotiator, from, to domain.NegotiationState, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
	o.reasons = append(o.reasons, reason)
}

func (o *recordingObserver) remoteStreamChanged(n *Negotiator, added bool, trackID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streams = append(o.streams, added)
}

func (o *recordingObserver) states() []domain.NegotiationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.NegotiationState(nil), o.transitions...)
}

func (o *recordingObserver) lastReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.reasons) == 0 {
		return ""
	}
	return o.reasons[len(o.reasons)-1]
}

// hub routes signaling between in-process participants the way the relay
// does: join handshake, peer-list snapshot, new-peer broadcast and
// addressed delivery of negotiation messages.
type hub struct {
	host domain.PeerID

	mu       sync.Mutex
	channels map[domain.PeerID]*hubChannel
	offers   []domain.SignalMessage
}

func newHub(host domain.PeerID) *hub {
	return &hub{host: host, channels: make(map[domain.PeerID]*hubChannel)}
}

type hubChannel struct {
	id     domain.PeerID
	hub    *hub
	events chan domain.ChannelEvent

	mu   sync.Mutex
	sent []domain.SignalMessage
}

func (h *hub) channel(id domain.PeerID) *hubChannel {
	return &hubChannel{id: id, hub: h, events: make(chan domain.ChannelEvent, 1024)}
}

func (h *hub) join(c *hubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	others := make([]domain.PeerID, 0, len(h.channels))
	for id, other := range h.channels {
		others = append(others, id)
		other.events <- domain.MessageEvent(domain.NewNewPeer(c.id))
	}
	h.channels[c.id] = c

	c.events <- domain.StatusEvent(domain.StatusConnected)
	if h.host != "" {
		c.events <- domain.MessageEvent(domain.NewHost(h.host))
	}
	c.events <- domain.MessageEvent(domain.NewPeerList(others))
}

func (h *hub) leave(id domain.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.channels, id)
	for _, other := range h.channels {
		other.events <- domain.MessageEvent(domain.NewPeerLeft(id))
	}
}

func (h *hub) route(msg domain.SignalMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Kind == domain.KindOffer {
		h.offers = append(h.offers, msg)
	}
	if target, ok := h.channels[msg.To]; ok {
		target.events <- domain.MessageEvent(msg)
	}
}

func (h *hub) offersSent() []domain.SignalMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.SignalMessage(nil), h.offers...)
}

func (c *hubChannel) Send(msg domain.SignalMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.route(msg)
	}
	return nil
}

func (c *hubChannel) Events() <-chan domain.ChannelEvent { return c.events }

func (c *hubChannel) deliver(msg domain.SignalMessage) {
	c.events <- domain.MessageEvent(msg)
}

func (c *hubChannel) sentOf(kind domain.SignalKind) []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.SignalMessage
	for _, m := range c.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// participant is one orchestrator wired to a fake engine and a hub channel.
type participant struct {
	id      domain.PeerID
	orch    *Orchestrator
	engine  *fakeEngine
	channel *hubChannel

	mu     sync.Mutex
	events []domain.PeerEvent
	done   chan struct{}
}

func startParticipant(t *testing.T, h *hub, cfg OrchestratorConfig) *participant {
	t.Helper()
	return startParticipantWithLogger(t, h, cfg, zap.NewNop().Sugar())
}

func startParticipantWithLogger(t *testing.T, h *hub, cfg OrchestratorConfig, logger *zap.SugaredLogger) *participant {
	t.Helper()

	engine := newFakeEngine(cfg.LocalID, true)
	var ch *hubChannel
	if h != nil {
		ch = h.channel(cfg.LocalID)
	} else {
		ch = &hubChannel{id: cfg.LocalID, events: make(chan domain.ChannelEvent, 1024)}
	}

	p := &participant{
		id:      cfg.LocalID,
		engine:  engine,
		channel: ch,
		orch:    NewOrchestrator(cfg, ch, engine, testMetrics(), logger),
		done:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(p.done)
		p.orch.Run(ctx)
	}()
	go func() {
		for ev := range p.orch.Events() {
			p.mu.Lock()
			p.events = append(p.events, ev)
			p.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			t.Errorf("orchestrator %s did not stop", cfg.LocalID)
		}
	})

	if h != nil {
		h.join(ch)
	}
	return p
}

func (p *participant) eventsOf(kind domain.PeerEventKind) []domain.PeerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.PeerEvent
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (p *participant) stateOf(peer domain.PeerID) (domain.NegotiationState, bool) {
	s, ok := p.orch.Connections()[peer]
	return s, ok
}
