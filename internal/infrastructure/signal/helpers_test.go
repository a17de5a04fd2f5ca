package signal

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"
	"lanvoice/internal/infrastructure/monitoring"
	"lanvoice/internal/infrastructure/repositories/memory"
	"lanvoice/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func testServerConfig() ServerConfig {
	return ServerConfig{
		Room:           "default",
		PingInterval:   time.Second,
		PongTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		SendQueue:      32,
		MaxMessageSize: 64 * 1024,
	}
}

func testChannelConfig(url string) ChannelConfig {
	reconnect := retry.ReconnectConfig()
	reconnect.InitialDelay = 10 * time.Millisecond
	reconnect.MaxDelay = 50 * time.Millisecond

	return ChannelConfig{
		URL:            url,
		DialTimeout:    time.Second,
		PingInterval:   time.Second,
		PongTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		SendQueue:      32,
		MaxMessageSize: 64 * 1024,
		EventBuffer:    32,
		Reconnect:      reconnect,
	}
}

func testMetrics() ports.MetricsRecorder {
	return monitoring.NewPrometheusCollector(prometheus.NewRegistry())
}

type testRelay struct {
	server *WebSocketServer
	repo   ports.RoomRepository
	url    string
}

func newTestRelay(t *testing.T, cfg ServerConfig) *testRelay {
	t.Helper()
	return newTestRelayWithRepo(t, cfg, memory.NewMemoryRoomRepository())
}

func newTestRelayWithRepo(t *testing.T, cfg ServerConfig, repo ports.RoomRepository) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := NewWebSocketServer(cfg, repo, testMetrics(), zap.NewNop().Sugar())

	router := gin.New()
	srv.Register(router)
	ts := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testRelay{
		server: srv,
		repo:   repo,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg domain.SignalMessage) {
	t.Helper()
	raw, err := Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) domain.SignalMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := Decode(raw)
	require.NoError(t, err)
	return msg
}

// joinRaw attaches a raw websocket as peerID and consumes the handshake
// frames addressed to it.
func joinRaw(t *testing.T, url string, peerID domain.PeerID, withHost bool) (*websocket.Conn, []domain.PeerID) {
	t.Helper()
	conn := dialRaw(t, url)
	writeFrame(t, conn, domain.NewJoin(peerID))
	if withHost {
		require.Equal(t, domain.KindHost, readFrame(t, conn).Kind)
	}
	list := readFrame(t, conn)
	require.Equal(t, domain.KindPeerList, list.Kind)
	return conn, list.PeerList()
}

func nextMessage(t *testing.T, events <-chan domain.ChannelEvent) domain.SignalMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if ev.Message != nil {
				return *ev.Message
			}
		case <-timeout:
			t.Fatal("timed out waiting for a signal message")
		}
	}
}

func nextStatus(t *testing.T, events <-chan domain.ChannelEvent) domain.ConnectionStatus {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if ev.Message == nil {
				return ev.Status
			}
		case <-timeout:
			t.Fatal("timed out waiting for a status change")
		}
	}
}
