package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
	"lanvoice/pkg/config"
	apperrors "lanvoice/pkg/errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// EngineConfig WebRTC configuration
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	EventBuffer int
}

func NewEngineConfig(cfg *config.Config) EngineConfig {
	var ec EngineConfig
	for _, s := range cfg.WebRTC.ICEServers {
		ec.ICEServers = append(ec.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	ec.PortRange.Min = cfg.WebRTC.PortRange.Min
	ec.PortRange.Max = cfg.WebRTC.PortRange.Max
	ec.EventBuffer = cfg.Session.EventBuffer
	return ec
}

// Engine is the pion-backed media engine. Every connection sends the same
// Opus track; muting stops samples from reaching it.
type Engine struct {
	config  EngineConfig
	api     *webrtc.API
	localID domain.PeerID
	track   *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	nextID  atomic.Uint64

	events    chan domain.EngineEvent
	done      chan struct{}
	closeOnce sync.Once

	conns map[uint64]*Connection
	mu    sync.Mutex

	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

var _ ports.MediaEngine = (*Engine)(nil)

// NewEngine fails with ENGINE_FATAL when the codec set, interceptors, port
// range or local track cannot be set up.
func NewEngine(config EngineConfig, localID domain.PeerID, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, apperrors.NewEngineFatalError(err, "failed to register codecs")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, apperrors.NewEngineFatalError(err, "failed to register interceptors")
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, apperrors.NewEngineFatalError(err, "invalid port range")
		}
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio_track_"+string(localID),
		"lanvoice_"+string(localID),
	)
	if err != nil {
		return nil, apperrors.NewEngineFatalError(err, "failed to create local audio track")
	}

	buffer := config.EventBuffer
	if buffer <= 0 {
		buffer = 128
	}

	e := &Engine{
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		localID: localID,
		track:   track,
		events:  make(chan domain.EngineEvent, buffer),
		done:    make(chan struct{}),
		conns:   make(map[uint64]*Connection),
		metrics: metrics,
		logger:  logger.With("component", "media_engine", "local_peer", localID),
	}
	e.enabled.Store(true)
	return e, nil
}

// Events is never closed; it stops producing after Close.
func (e *Engine) Events() <-chan domain.EngineEvent {
	return e.events
}

func (e *Engine) emit(ev domain.EngineEvent) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) SetLocalAudioEnabled(enabled bool) {
	e.enabled.Store(enabled)
	e.logger.Infow("local audio toggled", "enabled", enabled)
}

func (e *Engine) LocalAudioEnabled() bool {
	return e.enabled.Load()
}

// WriteSample feeds one encoded Opus frame to every connection. Samples
// written while local audio is disabled are discarded.
func (e *Engine) WriteSample(s media.Sample) error {
	if !e.enabled.Load() {
		return nil
	}
	return e.track.WriteSample(s)
}

// TrackID is the id of the shared local audio track.
func (e *Engine) TrackID() string {
	return e.track.ID()
}

func (e *Engine) NewConnection(ctx context.Context, peerID domain.PeerID) (ports.MediaConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-e.done:
		return nil, apperrors.NewNegotiationError(nil, "media engine closed")
	default:
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, apperrors.NewNegotiationError(err, "failed to create peer connection")
	}

	sender, err := pc.AddTrack(e.track)
	if err != nil {
		pc.Close()
		return nil, apperrors.NewNegotiationError(err, "failed to add local audio track")
	}

	conn := &Connection{
		id:     e.nextID.Add(1),
		peerID: peerID,
		pc:     pc,
		engine: e,
		logger: e.logger.With("peer_id", peerID),
	}

	pc.OnICECandidate(conn.handleICECandidate)
	pc.OnConnectionStateChange(conn.handleConnectionState)
	pc.OnTrack(conn.handleTrack)
	go conn.readSenderRTCP(sender)

	e.mu.Lock()
	e.conns[conn.id] = conn
	e.mu.Unlock()

	return conn, nil
}

func (e *Engine) forget(id uint64) {
	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})

	e.mu.Lock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connection wraps one pion PeerConnection.
type Connection struct {
	id     uint64
	peerID domain.PeerID
	pc     *webrtc.PeerConnection
	engine *Engine
	logger *zap.SugaredLogger

	closeOnce sync.Once
	closeErr  error
}

var _ ports.MediaConnection = (*Connection)(nil)

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", apperrors.NewNegotiationError(err, "failed to create offer")
	}
	return offer.SDP, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", apperrors.NewNegotiationError(err, "failed to create answer")
	}
	return answer.SDP, nil
}

func (c *Connection) SetLocalDescription(ctx context.Context, kind domain.SignalKind, raw string) error {
	desc, err := description(kind, raw)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return apperrors.NewNegotiationError(err, "failed to set local "+string(kind))
	}
	return nil
}

func (c *Connection) SetRemoteDescription(ctx context.Context, kind domain.SignalKind, raw string) error {
	desc, err := description(kind, raw)
	if err != nil {
		return err
	}
	if err := requireAudio(raw); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return apperrors.NewNegotiationError(err, "failed to set remote "+string(kind))
	}
	return nil
}

func (c *Connection) AddICECandidate(candidate domain.ICECandidate) error {
	idx := candidate.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMLineIndex: &idx,
	}
	if candidate.SDPMid != "" {
		mid := candidate.SDPMid
		init.SDPMid = &mid
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return apperrors.NewNegotiationError(err, "failed to add ice candidate")
	}
	return nil
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.engine.forget(c.id)
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

func (c *Connection) handleICECandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()

	ev := domain.EngineEvent{
		Kind:         domain.EngineLocalCandidate,
		PeerID:       c.peerID,
		ConnectionID: c.id,
		Candidate:    domain.ICECandidate{Candidate: init.Candidate},
	}
	if init.SDPMid != nil {
		ev.Candidate.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		ev.Candidate.SDPMLineIndex = *init.SDPMLineIndex
	}
	c.engine.emit(ev)
}

func (c *Connection) handleConnectionState(state webrtc.PeerConnectionState) {
	c.logger.Debugw("peer connection state changed", "connection_state", state)

	var mapped domain.EngineConnState
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		mapped = domain.EngineStateConnecting
	case webrtc.PeerConnectionStateConnected:
		mapped = domain.EngineStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		mapped = domain.EngineStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		mapped = domain.EngineStateFailed
	case webrtc.PeerConnectionStateClosed:
		mapped = domain.EngineStateClosed
	default:
		return
	}

	c.engine.emit(domain.EngineEvent{
		Kind:         domain.EngineConnectionState,
		PeerID:       c.peerID,
		ConnectionID: c.id,
		State:        mapped,
	})
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.logger.Infow("remote track added", "track_id", track.ID(), "codec", track.Codec().MimeType)

	c.engine.emit(domain.EngineEvent{
		Kind:         domain.EngineTrackAdded,
		PeerID:       c.peerID,
		ConnectionID: c.id,
		TrackID:      track.ID(),
	})

	go c.drainTrack(track)
}

// drainTrack reads the remote track until it ends. Playback is outside the
// engine; the packets are only accounted for.
func (c *Connection) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	var packets uint64

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debugw("remote track read stopped", "track_id", track.ID(), "error", err)
			}
			break
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		packets++
		c.engine.metrics.RemoteRTPBytes(len(pkt.Payload))
	}

	c.logger.Infow("remote track removed", "track_id", track.ID(), "packets", packets)
	c.engine.emit(domain.EngineEvent{
		Kind:         domain.EngineTrackRemoved,
		PeerID:       c.peerID,
		ConnectionID: c.id,
		TrackID:      track.ID(),
	})
}

// readSenderRTCP keeps the sender's interceptors running and logs what the
// remote side reports about our audio.
func (c *Connection) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if rr, ok := packet.(*rtcp.ReceiverReport); ok {
				for _, report := range rr.Reports {
					c.logger.Debugw("receiver report",
						"fraction_lost", report.FractionLost,
						"total_lost", report.TotalLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func description(kind domain.SignalKind, raw string) (webrtc.SessionDescription, error) {
	switch kind {
	case domain.KindOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw}, nil
	case domain.KindAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: raw}, nil
	default:
		return webrtc.SessionDescription{}, apperrors.NewNegotiationError(nil, fmt.Sprintf("%q is not a description kind", kind))
	}
}

// requireAudio rejects descriptions that do not parse or carry no audio
// section before they reach the peer connection.
func requireAudio(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return apperrors.NewNegotiationError(err, "unparseable session description")
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return apperrors.NewNegotiationError(nil, "session description has no audio section")
}
