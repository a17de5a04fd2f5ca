package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
	"lanvoice/pkg/config"
	rlog "lanvoice/pkg/logger"

	"go.uber.org/zap"
)

type OrchestratorConfig struct {
	LocalID domain.PeerID
	// IsHost makes the local participant the room's host.
	IsHost bool
	// HostID is used until the relay announces the host.
	HostID             domain.PeerID
	NegotiationTimeout time.Duration
	EventBuffer        int
}

func NewOrchestratorConfig(cfg *config.Config) OrchestratorConfig {
	return OrchestratorConfig{
		LocalID:            domain.PeerID(cfg.Session.PeerID),
		IsHost:             cfg.Session.Host,
		HostID:             domain.PeerID(cfg.Session.HostID),
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
		EventBuffer:        cfg.Session.EventBuffer,
	}
}

// Orchestrator owns one Negotiator per remote peer. Its Run loop is the
// single consumer of signaling and media engine events; it turns membership
// changes into negotiations and republishes their outcome as PeerEvents.
type Orchestrator struct {
	cfg     OrchestratorConfig
	channel ports.SignalingChannel
	engine  ports.MediaEngine
	tracker *MembershipTracker
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	base    *zap.SugaredLogger

	mu     sync.Mutex
	peers  map[domain.PeerID]*Negotiator
	closed bool

	events chan domain.PeerEvent

	ctx          context.Context
	cancel       context.CancelFunc
	stopped      chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig, channel ports.SignalingChannel, engine ports.MediaEngine,
	metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Orchestrator {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 128
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:     cfg,
		channel: channel,
		engine:  engine,
		tracker: NewMembershipTracker(cfg.LocalID),
		metrics: metrics,
		logger:  logger.With("component", "orchestrator", "local_peer", cfg.LocalID),
		base:    logger.With("component", "negotiator"),
		peers:   make(map[domain.PeerID]*Negotiator),
		events:  make(chan domain.PeerEvent, buffer),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Events is the presentation stream. It is closed when Run returns.
func (o *Orchestrator) Events() <-chan domain.PeerEvent {
	return o.events
}

// Run consumes channel and engine events until ctx is done, Shutdown is
// called or the signaling channel's event stream ends. It shuts the
// orchestrator down before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.events)
	defer o.Shutdown()

	channelEvents := o.channel.Events()
	engineEvents := o.engine.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-o.stopped:
			return nil

		case ev, ok := <-channelEvents:
			if !ok {
				o.logger.Infow("signaling channel closed")
				return nil
			}
			o.handleChannelEvent(ev)

		case ev := <-engineEvents:
			o.routeEngineEvent(ev)
		}
	}
}

func (o *Orchestrator) handleChannelEvent(ev domain.ChannelEvent) {
	if ev.Message == nil {
		o.logger.Infow("signaling connectivity changed", "status", ev.Status)
		o.publish(domain.PeerEvent{Kind: domain.ConnectivityChanged, Status: ev.Status})
		return
	}

	msg := *ev.Message
	if msg.Kind.IsNegotiation() {
		o.dispatchSignal(msg)
		return
	}
	if msg.Kind == domain.KindHost {
		o.checkHostAnnouncement(msg.PeerID)
	}

	for _, change := range o.tracker.Apply(msg) {
		switch change.Kind {
		case domain.MemberJoined:
			o.logger.Infow("peer joined", "peer_id", change.PeerID)
			o.publish(domain.PeerEvent{Kind: domain.PeerJoined, PeerID: change.PeerID})
			o.ensurePeer(change.PeerID)
		case domain.MemberLeft:
			o.logger.Infow("peer left", "peer_id", change.PeerID)
			o.removePeer(change.PeerID)
			o.publish(domain.PeerEvent{Kind: domain.PeerLeft, PeerID: change.PeerID})
		}
	}

	// a snapshot usually follows a reconnection; pairs whose negotiation
	// failed in the meantime get a fresh attempt
	if msg.Kind == domain.KindPeerList {
		for _, id := range o.tracker.CurrentMembers() {
			if id != o.cfg.LocalID {
				o.ensurePeer(id)
			}
		}
	}
}

// dispatchSignal hands a negotiation message to its sender's Negotiator,
// creating one as responder when the offer outran the membership notice.
func (o *Orchestrator) dispatchSignal(msg domain.SignalMessage) {
	if msg.To != "" && msg.To != o.cfg.LocalID {
		o.logger.Debugw("ignoring signal addressed to another peer", "to", msg.To, "kind", msg.Kind)
		return
	}
	if msg.From == "" || msg.From == o.cfg.LocalID {
		return
	}

	n, created := o.getOrCreate(msg.From)
	if n == nil {
		return
	}
	if created {
		o.logger.Infow("signal from unannounced peer, negotiating as responder", "peer_id", msg.From, "kind", msg.Kind)
	}
	n.HandleSignal(msg)
}

func (o *Orchestrator) routeEngineEvent(ev domain.EngineEvent) {
	o.mu.Lock()
	n := o.peers[ev.PeerID]
	o.mu.Unlock()

	if n == nil {
		return
	}
	n.HandleEngineEvent(ev)
}

// ensurePeer makes sure a Negotiator exists for id and starts it when the
// local side is the initiator of the pair.
func (o *Orchestrator) ensurePeer(id domain.PeerID) {
	n, _ := o.getOrCreate(id)
	if n != nil && o.IsInitiator(id) {
		n.Start()
	}
}

// IsInitiator applies the initiator policy: the host offers to everyone,
// otherwise the lexicographically smaller id offers.
func (o *Orchestrator) IsInitiator(remote domain.PeerID) bool {
	host := o.hostID()
	switch {
	case host == o.cfg.LocalID:
		return true
	case host == remote:
		return false
	default:
		return o.cfg.LocalID < remote
	}
}

// checkHostAnnouncement warns when the relay names a different host than
// the local configuration. Peers that disagree on the host can both offer
// to each other and end up waiting for answers that never come.
func (o *Orchestrator) checkHostAnnouncement(announced domain.PeerID) {
	configured := o.cfg.HostID
	if o.cfg.IsHost {
		configured = o.cfg.LocalID
	}
	if configured == "" || configured == announced {
		return
	}
	o.logger.Warnw("relay announced a different host than configured; pairs may fail to negotiate",
		"announced_host", announced, "configured_host", configured)
	o.metrics.HostMismatch()
}

func (o *Orchestrator) hostID() domain.PeerID {
	if o.cfg.IsHost {
		return o.cfg.LocalID
	}
	if id := o.tracker.HostID(); id != "" {
		return id
	}
	return o.cfg.HostID
}

func (o *Orchestrator) getOrCreate(id domain.PeerID) (*Negotiator, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, false
	}
	if n, ok := o.peers[id]; ok {
		return n, false
	}

	n := newNegotiator(o.cfg.LocalID, id, o.engine, o.channel, o.metrics, o,
		o.cfg.NegotiationTimeout, rlog.ForPeer(o.base, string(o.cfg.LocalID), string(id)))
	o.peers[id] = n
	o.metrics.PeerConnections(len(o.peers))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		n.run(o.ctx)
	}()

	return n, true
}

func (o *Orchestrator) removePeer(id domain.PeerID) {
	o.mu.Lock()
	n := o.peers[id]
	delete(o.peers, id)
	o.metrics.PeerConnections(len(o.peers))
	o.mu.Unlock()

	if n != nil {
		n.Close(reasonPeerLeft)
	}
}

func (o *Orchestrator) negotiationStateChanged(n *Negotiator, from, to domain.NegotiationState, reason string) {
	switch to {
	case domain.StateConnected:
		o.logger.Infow("peer connected", "peer_id", n.RemoteID())
		o.publish(domain.PeerEvent{Kind: domain.PeerConnected, PeerID: n.RemoteID()})

	case domain.StateFailed:
		o.forget(n)
		o.publish(domain.PeerEvent{Kind: domain.ConnectionFailed, PeerID: n.RemoteID(), Reason: reason})
		if reason == reasonLinkDown {
			o.renegotiate(n.RemoteID())
		}

	case domain.StateClosed:
		o.forget(n)
		if reason == reasonLinkDown {
			o.publish(domain.PeerEvent{Kind: domain.ConnectionFailed, PeerID: n.RemoteID(), Reason: reason})
			o.renegotiate(n.RemoteID())
		}
	}
}

// renegotiate replaces a negotiation whose media link went down while the
// peer is still in the room. The remote side may have already reset its
// end, so waiting for the next peer-list could leave the pair without an
// initiator.
func (o *Orchestrator) renegotiate(id domain.PeerID) {
	if !o.tracker.Contains(id) {
		return
	}
	o.logger.Infow("media link lost, renegotiating", "peer_id", id, "initiator", o.IsInitiator(id))
	o.ensurePeer(id)
}

func (o *Orchestrator) remoteStreamChanged(n *Negotiator, added bool, trackID string) {
	kind := domain.RemoteStreamRemoved
	if added {
		kind = domain.RemoteStreamAdded
	}
	o.logger.Debugw("remote stream changed", "peer_id", n.RemoteID(), "track_id", trackID, "added", added)
	o.publish(domain.PeerEvent{Kind: kind, PeerID: n.RemoteID()})
}

// forget drops n from the peer map unless it has already been replaced.
func (o *Orchestrator) forget(n *Negotiator) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.peers[n.RemoteID()] == n {
		delete(o.peers, n.RemoteID())
		o.metrics.PeerConnections(len(o.peers))
	}
}

func (o *Orchestrator) publish(ev domain.PeerEvent) {
	select {
	case o.events <- ev:
	case <-o.stopped:
	}
}

func (o *Orchestrator) SetLocalAudioEnabled(enabled bool) {
	o.engine.SetLocalAudioEnabled(enabled)
}

// Shutdown closes every negotiation and waits for them to stop. It is
// idempotent and safe to call concurrently with Run.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		close(o.stopped)

		o.mu.Lock()
		o.closed = true
		peers := make([]*Negotiator, 0, len(o.peers))
		for _, n := range o.peers {
			peers = append(peers, n)
		}
		o.peers = make(map[domain.PeerID]*Negotiator)
		o.mu.Unlock()

		for _, n := range peers {
			n.Close(reasonShutdown)
		}
		for _, n := range peers {
			<-n.Done()
		}

		o.cancel()
		o.wg.Wait()
		o.metrics.PeerConnections(0)
		o.logger.Infow("orchestrator stopped", "peers_closed", len(peers))
	})
}

// Connections snapshots the negotiation state of every tracked peer.
func (o *Orchestrator) Connections() map[domain.PeerID]domain.NegotiationState {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make(map[domain.PeerID]domain.NegotiationState, len(o.peers))
	for id, n := range o.peers {
		states[id] = n.State()
	}
	return states
}

// Negotiator returns the live negotiator for id, if any.
func (o *Orchestrator) Negotiator(id domain.PeerID) *Negotiator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peers[id]
}

func (o *Orchestrator) Members() []domain.PeerID {
	return o.tracker.CurrentMembers()
}

// RemotePeers lists the tracked remote peers in id order.
func (o *Orchestrator) RemotePeers() []domain.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]domain.PeerID, 0, len(o.peers))
	for id := range o.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
