package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
	"lanvoice/pkg/config"
	"lanvoice/pkg/tracing"
	"lanvoice/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// participants are native clients on the local network
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type ServerConfig struct {
	Room string
	// HostID is announced to every joiner when set.
	HostID         domain.PeerID
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueue      int
	MaxMessageSize int64

	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
}

func NewServerConfig(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		Room:           cfg.Signal.Room,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueue:      cfg.Signal.SendQueue,
		MaxMessageSize: cfg.Signal.MaxMessageSize,

		RateLimitEnabled:  cfg.RateLimiting.Enabled,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxConnections:    cfg.RateLimiting.WebSocket.MaxConcurrent,
	}
	if cfg.Session.Host {
		sc.HostID = domain.PeerID(cfg.Session.PeerID)
	} else if cfg.Session.HostID != "" {
		sc.HostID = domain.PeerID(cfg.Session.HostID)
	}
	return sc
}

// WebSocketServer is the signaling relay. Every participant of the room
// holds one websocket to it; the relay announces membership and forwards
// negotiation messages to the peer named in their "to" field.
type WebSocketServer struct {
	cfg     ServerConfig
	repo    ports.RoomRepository
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	// serializes join handshakes so peer-list snapshots and new-peer
	// broadcasts never interleave
	joinMu sync.Mutex

	mu      sync.RWMutex
	bus     ports.RelayBus
	clients map[string]*client
	peers   map[domain.PeerID]*client
	pending int
	closed  bool
}

type client struct {
	id      string
	peerID  domain.PeerID
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func (cl *client) close() {
	cl.closeOnce.Do(func() {
		close(cl.done)
		cl.conn.Close()
	})
}

// enqueue never blocks. A client whose queue is full is too slow to follow
// the room and is disconnected.
func (cl *client) enqueue(data []byte) bool {
	select {
	case <-cl.done:
		return false
	default:
	}

	select {
	case cl.send <- data:
		return true
	default:
		cl.close()
		return false
	}
}

func NewWebSocketServer(cfg ServerConfig, repo ports.RoomRepository, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		cfg:     cfg,
		repo:    repo,
		metrics: metrics,
		logger:  logger.With("component", "relay", "room", cfg.Room),
		clients: make(map[string]*client),
		peers:   make(map[domain.PeerID]*client),
	}
}

// AttachBus makes the relay exchange frames with the other instances on bus.
// Frames for peers not attached here are published instead of dropped. It
// must be called before the relay accepts connections.
func (s *WebSocketServer) AttachBus(ctx context.Context, bus ports.RelayBus) {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()

	go func() {
		if err := bus.Subscribe(ctx, s.deliverRemote); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorw("relay bus subscription ended", "error", err)
		}
	}()
}

// Register mounts the websocket endpoint on router.
func (s *WebSocketServer) Register(router gin.IRoutes) {
	router.GET("/ws", func(c *gin.Context) {
		s.HandleWebSocket(c.Writer, c.Request)
	})
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.reserve() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendQueue),
		done: make(chan struct{}),
	}
	if s.cfg.RateLimitEnabled {
		cl.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.metrics.RelayConnections(1)
	go s.writePump(cl)

	ctx := r.Context()
	if err := s.handshake(ctx, cl); err != nil {
		s.logger.Infow("join handshake failed", "conn_id", cl.id, "remote", r.RemoteAddr, "error", err)
		cl.close()
		s.release()
		s.metrics.RelayConnections(-1)
		return
	}

	s.readPump(ctx, cl)
	s.leave(cl)
	s.metrics.RelayConnections(-1)
}

func (s *WebSocketServer) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.cfg.MaxConnections > 0 && len(s.clients)+s.pending >= s.cfg.MaxConnections {
		return false
	}
	s.pending++
	return true
}

func (s *WebSocketServer) release() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// handshake waits for the client's join frame and attaches it to the room.
func (s *WebSocketServer) handshake(ctx context.Context, cl *client) error {
	cl.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

	_, raw, err := cl.conn.ReadMessage()
	if err != nil {
		return err
	}
	msg, err := Decode(raw)
	if err != nil {
		s.metrics.MalformedSignal("relay")
		return err
	}
	if msg.Kind != domain.KindJoin {
		return errors.New("first frame must be join, got " + string(msg.Kind))
	}
	if err := validation.ValidatePeerID(string(msg.PeerID)); err != nil {
		return err
	}
	cl.peerID = msg.PeerID

	ctx, span := tracing.TraceSignal(ctx, string(domain.KindJoin), s.cfg.Room, string(cl.peerID))
	defer span.End()

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	replacedID, err := s.repo.Join(ctx, s.cfg.Room, cl.peerID, cl.id)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	members, err := s.repo.Members(ctx, s.cfg.Room)
	if err != nil {
		tracing.RecordError(ctx, err)
		if _, leaveErr := s.repo.Leave(ctx, s.cfg.Room, cl.peerID, cl.id); leaveErr != nil {
			s.logger.Warnw("failed to undo join", "peer_id", cl.peerID, "error", leaveErr)
		}
		return err
	}

	s.mu.Lock()
	s.pending--
	replaced := s.clients[replacedID]
	delete(s.clients, replacedID)
	s.clients[cl.id] = cl
	s.peers[cl.peerID] = cl
	s.mu.Unlock()

	if replaced != nil {
		s.logger.Infow("peer rejoined, closing previous connection", "peer_id", cl.peerID, "replaced_conn", replacedID)
		replaced.close()
	}

	s.metrics.SignalMessage("relay", domain.KindJoin)
	s.logger.Infow("peer joined", "peer_id", cl.peerID, "conn_id", cl.id, "members", len(members))

	if s.cfg.HostID != "" {
		s.sendTo(cl, domain.NewHost(s.cfg.HostID))
	}

	others := make([]domain.PeerID, 0, len(members))
	for _, id := range members {
		if id != cl.peerID {
			others = append(others, id)
		}
	}
	s.sendTo(cl, domain.NewPeerList(others))
	s.broadcast(domain.NewNewPeer(cl.peerID), cl.peerID)
	return nil
}

func (s *WebSocketServer) readPump(ctx context.Context, cl *client) {
	cl.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", cl.peerID, "error", err)
			}
			return
		}
		cl.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if cl.limiter != nil && !cl.limiter.Allow() {
			s.logger.Warnw("rate limit exceeded, dropping frame", "peer_id", cl.peerID)
			continue
		}

		msg, err := Decode(raw)
		if err != nil {
			s.metrics.MalformedSignal("relay")
			s.logger.Warnw("dropping malformed frame", "peer_id", cl.peerID, "error", err)
			continue
		}

		if err := s.handleMessage(ctx, cl, msg); err != nil {
			s.logger.Infow("error handling message from peer", "peer_id", cl.peerID, "kind", msg.Kind, "error", err)
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, cl *client, msg domain.SignalMessage) error {
	if !msg.Kind.IsNegotiation() {
		s.logger.Debugw("ignoring membership frame from client", "peer_id", cl.peerID, "kind", msg.Kind)
		return nil
	}

	_, span := tracing.TraceSignal(ctx, string(msg.Kind), s.cfg.Room, string(cl.peerID))
	defer span.End()

	if msg.To == "" {
		return errors.New("negotiation message without recipient")
	}
	if msg.Kind == domain.KindOffer || msg.Kind == domain.KindAnswer {
		if err := validation.ValidateSDP(msg.SDP); err != nil {
			return err
		}
	}

	// the relay vouches for the sender
	msg.From = cl.peerID

	s.mu.RLock()
	target := s.peers[msg.To]
	bus := s.bus
	s.mu.RUnlock()

	if target == nil {
		if bus == nil {
			return errors.New("recipient not in room: " + string(msg.To))
		}
		data, err := Encode(msg)
		if err != nil {
			return err
		}
		s.metrics.SignalMessage("relay", msg.Kind)
		return bus.Publish(ctx, domain.RelayEnvelope{Room: s.cfg.Room, To: msg.To, Frame: data})
	}

	s.metrics.SignalMessage("relay", msg.Kind)
	s.sendTo(target, msg)
	return nil
}

func (s *WebSocketServer) leave(cl *client) {
	cl.close()

	s.mu.Lock()
	delete(s.clients, cl.id)
	if s.peers[cl.peerID] == cl {
		delete(s.peers, cl.peerID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	removed, err := s.repo.Leave(ctx, s.cfg.Room, cl.peerID, cl.id)
	if err != nil {
		s.logger.Warnw("failed to remove peer from room", "peer_id", cl.peerID, "error", err)
		return
	}
	if !removed {
		// a newer connection owns this peer id
		s.logger.Debugw("stale connection closed", "peer_id", cl.peerID, "conn_id", cl.id)
		return
	}

	s.logger.Infow("peer left", "peer_id", cl.peerID, "conn_id", cl.id)
	s.broadcast(domain.NewPeerLeft(cl.peerID), cl.peerID)
}

func (s *WebSocketServer) writePump(cl *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugw("write to peer failed", "peer_id", cl.peerID, "error", err)
				cl.close()
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}

		case <-cl.done:
			return
		}
	}
}

func (s *WebSocketServer) sendTo(cl *client, msg domain.SignalMessage) {
	data, err := Encode(msg)
	if err != nil {
		s.logger.Errorw("failed to encode frame", "kind", msg.Kind, "error", err)
		return
	}
	if !cl.enqueue(data) {
		s.logger.Warnw("peer send queue unavailable", "peer_id", cl.peerID, "kind", msg.Kind)
	}
}

func (s *WebSocketServer) broadcast(msg domain.SignalMessage, except domain.PeerID) {
	data, err := Encode(msg)
	if err != nil {
		s.logger.Errorw("failed to encode frame", "kind", msg.Kind, "error", err)
		return
	}
	s.broadcastLocal(data, except)

	s.mu.RLock()
	bus := s.bus
	s.mu.RUnlock()

	if bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		if err := bus.Publish(ctx, domain.RelayEnvelope{Room: s.cfg.Room, Except: except, Frame: data}); err != nil {
			s.logger.Warnw("failed to publish broadcast", "kind", msg.Kind, "error", err)
		}
	}
}

func (s *WebSocketServer) broadcastLocal(data []byte, except domain.PeerID) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.peers))
	for id, cl := range s.peers {
		if id != except {
			targets = append(targets, cl)
		}
	}
	s.mu.RUnlock()

	for _, cl := range targets {
		if !cl.enqueue(data) {
			s.logger.Warnw("peer send queue unavailable", "peer_id", cl.peerID)
		}
	}
}

// deliverRemote hands a frame published by another relay instance to the
// local clients it addresses.
func (s *WebSocketServer) deliverRemote(env domain.RelayEnvelope) {
	if env.Room != s.cfg.Room {
		return
	}
	if env.To == "" {
		s.broadcastLocal(env.Frame, env.Except)
		return
	}

	s.mu.RLock()
	target := s.peers[env.To]
	s.mu.RUnlock()
	if target != nil && !target.enqueue(env.Frame) {
		s.logger.Warnw("peer send queue unavailable", "peer_id", env.To)
	}
}

// ConnectedPeers returns the peers attached to this relay instance.
func (s *WebSocketServer) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.peers))
	for id := range s.peers {
		peers = append(peers, id)
	}
	return peers
}

// Close disconnects every client and rejects new ones.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()

	for _, cl := range clients {
		cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		cl.close()
	}
}
