package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
	"lanvoice/pkg/config"
	apperrors "lanvoice/pkg/errors"
	"lanvoice/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ChannelConfig struct {
	URL            string
	DialTimeout    time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueue      int
	MaxMessageSize int64
	EventBuffer    int
	Reconnect      retry.Config
}

func NewChannelConfig(cfg *config.Config) ChannelConfig {
	return ChannelConfig{
		URL:            cfg.Signal.URL,
		DialTimeout:    cfg.Signal.DialTimeout,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueue:      cfg.Signal.SendQueue,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		EventBuffer:    cfg.Session.EventBuffer,
		Reconnect:      cfg.ReconnectPolicy(),
	}
}

// Channel is the participant side of the signaling transport. It owns at
// most one websocket at a time and replaces it transparently after a
// disconnect, announcing the local peer with a join frame on every
// connection.
type Channel struct {
	cfg     ChannelConfig
	localID domain.PeerID
	dialer  *websocket.Dialer
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	events chan domain.ChannelEvent

	mu      sync.Mutex
	started bool
	closed  bool
	conn    *websocket.Conn
	out     chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ ports.SignalingChannel = (*Channel)(nil)

func NewChannel(cfg ChannelConfig, localID domain.PeerID, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:     cfg,
		localID: localID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		metrics: metrics,
		logger:  logger.With("component", "signal_channel", "local_peer", localID),
		events:  make(chan domain.ChannelEvent, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Connect performs the first dial synchronously. After it succeeds the
// channel reconnects on its own until Close.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewNotConnectedError("channel closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		conn.Close()
		if c.closed {
			return apperrors.NewNotConnectedError("channel closed")
		}
		return nil
	}
	c.started = true
	c.mu.Unlock()

	go c.supervise(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, apperrors.NewTransportError(err, "failed to connect to "+c.cfg.URL)
	}
	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	return conn, nil
}

func (c *Channel) supervise(conn *websocket.Conn) {
	defer close(c.done)

	for {
		c.serve(conn)

		if c.ctx.Err() != nil {
			return
		}

		c.emit(domain.StatusEvent(domain.StatusDisconnected))
		c.emit(domain.StatusEvent(domain.StatusReconnecting))
		c.metrics.ConnectionStatus(domain.StatusReconnecting)

		policy := c.cfg.Reconnect
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			c.logger.Debugw("reconnect attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
		}

		next, err := retry.RetryWithResult(c.ctx, policy, func() (*websocket.Conn, error) {
			c.metrics.Reconnect()
			return c.dial(c.ctx)
		})
		if err != nil {
			// only cancellation ends an unlimited policy
			c.logger.Debugw("reconnect loop stopped", "error", err)
			return
		}
		conn = next
	}
}

// serve runs one connection until it breaks or the channel is closed.
func (c *Channel) serve(conn *websocket.Conn) {
	join, err := Encode(domain.NewJoin(c.localID))
	if err != nil {
		c.logger.Errorw("failed to encode join", "error", err)
		conn.Close()
		return
	}

	out := make(chan []byte, c.cfg.SendQueue)
	out <- join

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.out = out
	c.mu.Unlock()

	c.metrics.SignalMessage("out", domain.KindJoin)
	c.metrics.ConnectionStatus(domain.StatusConnected)
	c.logger.Infow("signaling connected", "url", c.cfg.URL)
	c.emit(domain.StatusEvent(domain.StatusConnected))

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go c.writePump(conn, out, stop, writerDone)

	c.readPump(conn)

	c.mu.Lock()
	c.conn = nil
	c.out = nil
	c.mu.Unlock()

	close(stop)
	<-writerDone
	conn.Close()

	c.metrics.ConnectionStatus(domain.StatusDisconnected)
	c.logger.Infow("signaling disconnected")
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("signaling read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		msg, err := Decode(raw)
		if err != nil {
			c.metrics.MalformedSignal("in")
			c.logger.Warnw("dropping malformed signal", "error", err)
			continue
		}

		c.metrics.SignalMessage("in", msg.Kind)
		c.logger.Debugw("signal received", "kind", msg.Kind)
		c.emit(domain.MessageEvent(msg))
	}
}

func (c *Channel) writePump(conn *websocket.Conn, out <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("signaling write failed", "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-stop:
			return
		}
	}
}

func (c *Channel) emit(ev domain.ChannelEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// Send queues msg on the current connection. It fails with NOT_CONNECTED
// before Connect, while reconnecting and after Close.
func (c *Channel) Send(msg domain.SignalMessage) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.out == nil {
		return apperrors.NewNotConnectedError("cannot send " + string(msg.Kind))
	}

	select {
	case c.out <- data:
	default:
		return apperrors.NewTransportError(errors.New("send queue full"), "cannot send "+string(msg.Kind))
	}

	c.metrics.SignalMessage("out", msg.Kind)
	c.logger.Debugw("signal sent", "kind", msg.Kind)
	return nil
}

// Events is closed once Close has stopped the channel.
func (c *Channel) Events() <-chan domain.ChannelEvent {
	return c.events
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	conn := c.conn
	out := c.out
	c.out = nil
	c.mu.Unlock()

	c.cancel()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if out != nil {
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
		}
		conn.Close()
	}

	if started {
		<-c.done
	}

	c.metrics.ConnectionStatus(domain.StatusClosed)
	close(c.events)
	return nil
}
