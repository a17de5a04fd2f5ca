package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
	apperrors "lanvoice/pkg/errors"
	"lanvoice/pkg/tracing"

	"go.uber.org/zap"
)

const (
	reasonPeerLeft   = "peer left"
	reasonShutdown   = "session ended"
	reasonLinkDown   = "connection lost"
	reasonTimeout    = "negotiation timed out"
	reasonNotSent    = "signal not delivered"
	reasonEngineGone = "engine connection closed"
)

type inputKind int

const (
	inputStart inputKind = iota
	inputOffer
	inputAnswer
	inputCandidate
	inputEngine
	inputTimeout
	inputClose
)

type input struct {
	kind      inputKind
	sdp       string
	candidate domain.ICECandidate
	event     domain.EngineEvent
	gen       uint64
	reason    string
}

// negotiationObserver is told about every state change and remote stream
// of a negotiator. Calls come from the negotiator's own goroutine.
type negotiationObserver interface {
	negotiationStateChanged(n *Negotiator, from, to domain.NegotiationState, reason string)
	remoteStreamChanged(n *Negotiator, added bool, trackID string)
}

// Negotiator drives the offer/answer/ICE exchange with one remote peer.
// Every input is queued and applied by a single goroutine in arrival
// order, so engine calls for one peer never interleave.
type Negotiator struct {
	localID  domain.PeerID
	remoteID domain.PeerID

	engine   ports.MediaEngine
	sender   ports.SignalSender
	metrics  ports.MetricsRecorder
	observer negotiationObserver
	timeout  time.Duration
	logger   *zap.SugaredLogger

	qmu      sync.Mutex
	queue    []input
	finished bool
	wake     chan struct{}
	done     chan struct{}

	closing atomic.Bool

	mu    sync.RWMutex
	state domain.NegotiationState
	role  domain.Role

	// owned by the run goroutine
	conn            ports.MediaConnection
	pending         []domain.ICECandidate
	localSet        bool
	remoteSet       bool
	lastRemoteOffer string
	startedAt       time.Time
	gen             uint64
	timer           *time.Timer
}

func newNegotiator(localID, remoteID domain.PeerID, engine ports.MediaEngine, sender ports.SignalSender,
	metrics ports.MetricsRecorder, observer negotiationObserver, timeout time.Duration, logger *zap.SugaredLogger) *Negotiator {
	return &Negotiator{
		localID:  localID,
		remoteID: remoteID,
		engine:   engine,
		sender:   sender,
		metrics:  metrics,
		observer: observer,
		timeout:  timeout,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:    domain.StateIdle,
		role:     domain.RoleResponder,
	}
}

func (n *Negotiator) RemoteID() domain.PeerID { return n.remoteID }

func (n *Negotiator) State() domain.NegotiationState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Negotiator) Role() domain.Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// Done is closed when the negotiator's goroutine has exited.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// Start makes the local side the initiator. It has no effect unless the
// negotiator is still idle when the input is applied.
func (n *Negotiator) Start() { n.post(input{kind: inputStart}) }

// HandleSignal queues an offer, answer or candidate received from the peer.
func (n *Negotiator) HandleSignal(msg domain.SignalMessage) {
	switch msg.Kind {
	case domain.KindOffer:
		n.post(input{kind: inputOffer, sdp: msg.SDP})
	case domain.KindAnswer:
		n.post(input{kind: inputAnswer, sdp: msg.SDP})
	case domain.KindICECandidate:
		n.post(input{kind: inputCandidate, candidate: msg.Candidate})
	}
}

func (n *Negotiator) HandleEngineEvent(ev domain.EngineEvent) {
	n.post(input{kind: inputEngine, event: ev})
}

// Close tears the connection down. It is safe from any state and a no-op
// once the negotiator is terminal. Results of engine calls still in flight
// are discarded.
func (n *Negotiator) Close(reason string) {
	n.closing.Store(true)
	n.post(input{kind: inputClose, reason: reason})
}

func (n *Negotiator) post(in input) {
	n.qmu.Lock()
	if n.finished {
		n.qmu.Unlock()
		return
	}
	n.queue = append(n.queue, in)
	n.qmu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Negotiator) next() (input, bool) {
	n.qmu.Lock()
	defer n.qmu.Unlock()

	if len(n.queue) == 0 {
		return input{}, false
	}
	in := n.queue[0]
	n.queue[0] = input{}
	n.queue = n.queue[1:]
	return in, true
}

func (n *Negotiator) finish() {
	n.qmu.Lock()
	n.finished = true
	n.queue = nil
	n.qmu.Unlock()
}

func (n *Negotiator) run(ctx context.Context) {
	defer close(n.done)
	defer n.finish()

	for {
		select {
		case <-ctx.Done():
			n.release()
			return
		case <-n.wake:
		}

		for {
			in, ok := n.next()
			if !ok {
				break
			}
			n.apply(ctx, in)
			if n.State().Terminal() {
				return
			}
		}
	}
}

func (n *Negotiator) apply(ctx context.Context, in input) {
	if n.closing.Load() && in.kind != inputClose {
		return
	}

	switch in.kind {
	case inputStart:
		n.handleStart(ctx)
	case inputOffer:
		n.handleOffer(ctx, in.sdp)
	case inputAnswer:
		n.handleAnswer(ctx, in.sdp)
	case inputCandidate:
		n.handleCandidate(in.candidate)
	case inputEngine:
		n.handleEngineEvent(in.event)
	case inputTimeout:
		if in.gen == n.gen && n.state != domain.StateConnected {
			n.fail(reasonTimeout, nil)
		}
	case inputClose:
		n.release()
		n.transition(domain.StateClosed, in.reason)
	}
}

// aborted reports whether Close arrived while an engine call was running.
func (n *Negotiator) aborted() bool {
	return n.closing.Load()
}

func (n *Negotiator) handleStart(ctx context.Context) {
	if n.state != domain.StateIdle {
		n.logger.Debugw("ignoring start, negotiation already under way", "state", n.state)
		return
	}

	n.mu.Lock()
	n.role = domain.RoleInitiator
	n.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(n.localID), string(n.remoteID))
	defer span.End()

	if err := n.openConnection(ctx); err != nil {
		tracing.RecordError(ctx, err)
		n.fail("failed to open connection", err)
		return
	}
	n.beginAttempt()

	offer, err := n.conn.CreateOffer(ctx)
	if n.aborted() {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		n.fail("failed to create offer", err)
		return
	}

	err = n.conn.SetLocalDescription(ctx, domain.KindOffer, offer)
	if n.aborted() {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		n.fail("failed to apply local offer", err)
		return
	}
	n.localSet = true

	if err := n.sender.Send(domain.NewOffer(n.localID, n.remoteID, offer)); err != nil {
		n.fail(reasonNotSent, err)
		return
	}
	n.transition(domain.StateOfferSent, "")
}

func (n *Negotiator) handleOffer(ctx context.Context, sdp string) {
	switch {
	case n.state == domain.StateIdle:
	case sdp == n.lastRemoteOffer:
		n.logger.Debugw("dropping duplicate offer", "state", n.state)
		return
	default:
		n.logger.Infow("offer received mid-negotiation, renegotiating", "state", n.state)
		n.resetConnection()
	}

	n.mu.Lock()
	n.role = domain.RoleResponder
	n.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(n.localID), string(n.remoteID))
	defer span.End()

	if n.conn == nil {
		if err := n.openConnection(ctx); err != nil {
			tracing.RecordError(ctx, err)
			n.fail("failed to open connection", err)
			return
		}
	}
	n.beginAttempt()
	n.transition(domain.StateOfferReceived, "")

	err := n.conn.SetRemoteDescription(ctx, domain.KindOffer, sdp)
	if n.aborted() {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		n.fail("remote offer rejected", err)
		return
	}
	n.remoteSet = true
	n.lastRemoteOffer = sdp

	answer, err := n.conn.CreateAnswer(ctx)
	if n.aborted() {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		n.fail("failed to create answer", err)
		return
	}

	err = n.conn.SetLocalDescription(ctx, domain.KindAnswer, answer)
	if n.aborted() {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		n.fail("failed to apply local answer", err)
		return
	}
	n.localSet = true
	n.flushCandidates()

	if err := n.sender.Send(domain.NewAnswer(n.localID, n.remoteID, answer)); err != nil {
		n.fail(reasonNotSent, err)
		return
	}
	n.transition(domain.StateAnswerSent, "")
}

func (n *Negotiator) handleAnswer(ctx context.Context, sdp string) {
	if n.state != domain.StateOfferSent {
		n.logger.Debugw("dropping answer outside offer-sent", "state", n.state)
		return
	}

	ctx, span := tracing.TraceNegotiation(ctx, "apply-answer", string(n.localID), string(n.remoteID))
	defer span.End()

	n.transition(domain.StateAnswerReceived, "")

	err := n.conn.SetRemoteDescription(ctx, domain.KindAnswer, sdp)
	if n.aborted() {
		return
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		n.fail("remote answer rejected", err)
		return
	}
	n.remoteSet = true
	n.flushCandidates()
	n.connected()
}

// handleCandidate applies c once both descriptions are in place and queues
// it otherwise.
func (n *Negotiator) handleCandidate(c domain.ICECandidate) {
	if !n.localSet || !n.remoteSet {
		n.pending = append(n.pending, c)
		n.logger.Debugw("queued remote candidate", "pending", len(n.pending), "state", n.state)
		return
	}
	n.addCandidate(c)
}

func (n *Negotiator) flushCandidates() {
	if !n.localSet || !n.remoteSet {
		return
	}
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		n.addCandidate(c)
	}
}

func (n *Negotiator) addCandidate(c domain.ICECandidate) {
	// one unusable candidate does not doom the connection
	if err := n.conn.AddICECandidate(c); err != nil {
		n.logger.Warnw("remote candidate rejected", "error", err)
	}
}

func (n *Negotiator) handleEngineEvent(ev domain.EngineEvent) {
	if n.conn == nil || ev.ConnectionID != n.conn.ID() {
		return
	}

	switch ev.Kind {
	case domain.EngineLocalCandidate:
		if err := n.sender.Send(domain.NewICECandidate(n.localID, n.remoteID, ev.Candidate)); err != nil {
			n.logger.Debugw("local candidate not sent", "error", err)
		}

	case domain.EngineConnectionState:
		n.handleEngineState(ev.State)

	case domain.EngineTrackAdded:
		n.observer.remoteStreamChanged(n, true, ev.TrackID)

	case domain.EngineTrackRemoved:
		n.observer.remoteStreamChanged(n, false, ev.TrackID)
	}
}

func (n *Negotiator) handleEngineState(state domain.EngineConnState) {
	switch state {
	case domain.EngineStateConnected:
		if n.state == domain.StateAnswerSent {
			n.connected()
		}

	case domain.EngineStateDisconnected:
		n.logger.Infow("media link interrupted", "state", n.state)

	case domain.EngineStateFailed, domain.EngineStateClosed:
		reason := reasonLinkDown
		if state == domain.EngineStateClosed {
			reason = reasonEngineGone
		}
		if n.state == domain.StateConnected {
			n.release()
			n.transition(domain.StateClosed, reasonLinkDown)
			return
		}
		n.fail(reason, nil)
	}
}

func (n *Negotiator) connected() {
	n.stopTimer()
	if !n.startedAt.IsZero() {
		n.metrics.NegotiationCompleted(time.Since(n.startedAt))
	}
	n.transition(domain.StateConnected, "")
}

func (n *Negotiator) openConnection(ctx context.Context) error {
	conn, err := n.engine.NewConnection(ctx, n.remoteID)
	if err != nil {
		return err
	}
	n.conn = conn
	return nil
}

// resetConnection drops the current engine connection and everything
// negotiated on it.
func (n *Negotiator) resetConnection() {
	n.stopTimer()
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			n.logger.Debugw("closing replaced connection failed", "error", err)
		}
		n.conn = nil
	}
	n.pending = nil
	n.localSet = false
	n.remoteSet = false
	n.lastRemoteOffer = ""
}

func (n *Negotiator) beginAttempt() {
	n.startedAt = time.Now()
	n.gen++
	if n.timeout > 0 {
		gen := n.gen
		n.timer = time.AfterFunc(n.timeout, func() {
			n.post(input{kind: inputTimeout, gen: gen})
		})
	}
}

func (n *Negotiator) stopTimer() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Negotiator) release() {
	n.resetConnection()
}

func (n *Negotiator) fail(reason string, err error) {
	if err != nil && !errors.Is(err, domain.ErrNegotiationFailure) {
		err = apperrors.NewNegotiationError(err, reason)
	}
	n.logger.Warnw("negotiation failed", "reason", reason, "state", n.state, "error", err)
	n.release()
	n.transition(domain.StateFailed, reason)
}

func (n *Negotiator) transition(to domain.NegotiationState, reason string) {
	n.mu.Lock()
	from := n.state
	if from == to || from.Terminal() {
		n.mu.Unlock()
		return
	}
	n.state = to
	n.mu.Unlock()

	n.metrics.StateTransition(from, to)
	n.logger.Debugw("negotiation state changed", "from", from, "to", to, "reason", reason)
	n.observer.negotiationStateChanged(n, from, to, reason)
}
