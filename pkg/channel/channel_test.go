package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-gesturecam/pkg/protocol"
)

// peer is a websocket test server standing in for the analysis service.
type peer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accept   atomic.Bool
	conns    chan *websocket.Conn
	sessions chan string
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{
		conns:    make(chan *websocket.Conn, 8),
		sessions: make(chan string, 8),
	}
	p.accept.Store(true)
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.sessions <- r.Header.Get(SessionHeader)
		p.conns <- conn
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *peer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection from channel")
		return nil
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond
	cfg.MailboxSize = 8
	return cfg
}

func newOpenChannel(t *testing.T, p *peer, cfg Config) (*Channel, *websocket.Conn) {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	conn := p.next(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)
	return c, conn
}

func readImage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)

	ev, err := protocol.ParseEvent(data)
	require.NoError(t, err)
	require.Equal(t, protocol.EventImage, ev.Event)

	jpeg, err := ev.ImageJPEG()
	require.NoError(t, err)
	return jpeg
}

func writeResult(t *testing.T, conn *websocket.Conn, data interface{}) {
	t.Helper()
	ev, err := protocol.NewResultEvent(data)
	require.NoError(t, err)
	raw, err := ev.Bytes()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestSendBeforeOpenIsDropped(t *testing.T) {
	c, err := New(testConfig("ws://127.0.0.1:1/ws"))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, StateConnecting, c.State())
	assert.NotPanics(t, func() { c.Send([]byte("frame")) })
	assert.Equal(t, uint64(1), c.Stats().DroppedState)
}

func TestSendDataURI(t *testing.T) {
	p := newPeer(t)
	c, conn := newOpenChannel(t, p, testConfig(p.url()))

	frames := [][]byte{{0xFF, 0xD8, 1}, {0xFF, 0xD8, 2}, {0xFF, 0xD8, 3}}
	for _, f := range frames {
		c.Send(f)
	}
	for _, want := range frames {
		assert.Equal(t, want, readImage(t, conn))
	}

	require.Eventually(t, func() bool { return c.Stats().Sent == 3 }, time.Second, 5*time.Millisecond)
}

func TestSendBinary(t *testing.T) {
	p := newPeer(t)
	cfg := testConfig(p.url())
	cfg.Encoding = EncodingBinary
	c, conn := newOpenChannel(t, p, cfg)

	c.Send([]byte{0xFF, 0xD8, 0xFF})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
}

func TestSessionHeader(t *testing.T) {
	p := newPeer(t)
	c, _ := newOpenChannel(t, p, testConfig(p.url()))

	session := <-p.sessions
	assert.Equal(t, c.SessionID(), session)
	_, err := uuid.Parse(session)
	assert.NoError(t, err)
}

func TestResultsDispatchedInOrder(t *testing.T) {
	p := newPeer(t)
	c, conn := newOpenChannel(t, p, testConfig(p.url()))

	var mu sync.Mutex
	var got []string
	cancel := c.Subscribe(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	defer cancel()

	writeResult(t, conn, map[string]string{"n": "A"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"image","data":"x"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	writeResult(t, conn, map[string]string{"n": "B"})
	writeResult(t, conn, map[string]string{"n": "C"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"n":"A"}`, `{"n":"B"}`, `{"n":"C"}`}, got)
	mu.Unlock()

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Results)
	assert.Equal(t, uint64(3), stats.Malformed)
	assert.Equal(t, StateOpen, c.State(), "malformed input must not drop the link")
}

func TestReconnectDropsWithoutReplay(t *testing.T) {
	p := newPeer(t)
	c, conn := newOpenChannel(t, p, testConfig(p.url()))

	var mu sync.Mutex
	var states []State
	c.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	// Refuse new connections, then kill the current one.
	p.accept.Store(false)
	conn.Close()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.NotPanics(t, func() { c.Send([]byte("stale")) })
	}
	assert.Equal(t, uint64(3), c.Stats().DroppedState)

	p.accept.Store(true)
	conn2 := p.next(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	c.Send([]byte("fresh"))
	assert.Equal(t, []byte("fresh"), readImage(t, conn2), "first frame after reconnect must be new")

	mu.Lock()
	assert.Equal(t, []State{StateReconnecting, StateOpen}, states)
	mu.Unlock()
	assert.Equal(t, uint64(1), c.Stats().Reconnects)
}

func TestFullMailboxDrops(t *testing.T) {
	c, err := New(testConfig("ws://127.0.0.1:1/ws"))
	require.NoError(t, err)
	defer c.Close()

	// Stand in for an open link whose writer is stalled.
	c.mu.Lock()
	c.mailbox = make(chan outbound, 2)
	c.mu.Unlock()

	for i := 0; i < 5; i++ {
		c.Send([]byte("frame"))
	}

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Queued)
	assert.Equal(t, uint64(3), stats.DroppedFull)
}

func TestClose(t *testing.T) {
	p := newPeer(t)
	c, conn := newOpenChannel(t, p, testConfig(p.url()))

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "peer should see a normal close, got %v", err)

	c.Send([]byte("late"))
	assert.Equal(t, uint64(1), c.Stats().DroppedState)

	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestContextCancelClosesChannel(t *testing.T) {
	p := newPeer(t)
	c, err := New(testConfig(p.url()))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Connect(ctx))
	conn := p.next(t)
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return c.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	c.Send([]byte("late"))
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.DroppedState)
	assert.Equal(t, uint64(0), stats.Sent)
	assert.Equal(t, uint64(1), stats.Connects)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestConnectDuringCloseStartsNothing(t *testing.T) {
	c, err := New(testConfig("ws://127.0.0.1:1/ws"))
	require.NoError(t, err)
	defer c.Close()

	// Close has marked the channel but not yet published StateClosed.
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	require.Equal(t, StateConnecting, c.State())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	assert.False(t, started)
}

func TestNullResultIsMalformed(t *testing.T) {
	p := newPeer(t)
	c, conn := newOpenChannel(t, p, testConfig(p.url()))

	var mu sync.Mutex
	var got []string
	cancel := c.Subscribe(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"result","data":null}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"result","data": null }`)))
	writeResult(t, conn, map[string]string{"n": "A"})

	require.Eventually(t, func() bool { return c.Stats().Results == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"n":"A"}`}, got)
	mu.Unlock()
	assert.Equal(t, uint64(2), c.Stats().Malformed)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	p := newPeer(t)
	p.accept.Store(false)

	cfg := testConfig(p.url())
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 3

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
}

func TestCalculateBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	max := 10 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{64, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"wss", func(c *Config) { c.URL = "wss://example.com/ws" }, false},
		{"http url", func(c *Config) { c.URL = "http://example.com" }, true},
		{"no host", func(c *Config) { c.URL = "ws:///ws" }, true},
		{"unknown encoding", func(c *Config) { c.Encoding = "base32" }, true},
		{"zero mailbox", func(c *Config) { c.MailboxSize = 0 }, true},
		{"pong shorter than ping", func(c *Config) { c.PongTimeout = c.KeepaliveInterval }, true},
		{"max below base", func(c *Config) { c.ReconnectMaxDelay = c.ReconnectBaseDelay / 2 }, true},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			errs := cfg.Validate()
			assert.Equal(t, tt.wantErr, len(errs) > 0, "Validate() = %v", errs)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
}
