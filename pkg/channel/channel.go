// Package channel is the persistent websocket link to the analysis service.
//
// Frames go out fire-and-forget: Send never blocks and never reports an
// error, and frames are dropped whenever the link is not open or the
// outbound mailbox is full. Results come back asynchronously and are
// handed to subscribers in receive order. The link reconnects on its own
// with exponential backoff.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-gesturecam/pkg/protocol"
)

// SessionHeader carries the client session id on every handshake.
const SessionHeader = protocol.SessionHeader

var (
	// ErrDisconnected reports the loss of the underlying connection. It is
	// never returned to Send callers; it only drives reconnection.
	ErrDisconnected = errors.New("channel: disconnected")

	// ErrMalformedResult is logged for inbound messages that are not a
	// valid result event. Such messages are discarded.
	ErrMalformedResult = errors.New("channel: malformed result")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("channel: closed")
)

// State is the link state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type outbound struct {
	kind int
	data []byte
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger.With("component", "channel")
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// Channel is a reconnecting websocket client.
type Channel struct {
	cfg       Config
	logger    *slog.Logger
	dialer    *websocket.Dialer
	sessionID string

	state atomic.Int32

	mu         sync.Mutex
	mailbox    chan outbound // nil unless open; replaced per connection
	nextID     uint64
	resultSubs map[uint64]func([]byte)
	stateSubs  map[uint64]func(State)

	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	closed    bool
	closeOnce sync.Once

	// Stats
	queued       atomic.Uint64
	sent         atomic.Uint64
	droppedState atomic.Uint64
	droppedFull  atomic.Uint64
	results      atomic.Uint64
	malformed    atomic.Uint64
	connects     atomic.Uint64
	reconnects   atomic.Uint64
}

// New creates a channel. It does not connect until Connect is called.
func New(cfg Config, opts ...Option) (*Channel, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("channel: invalid config: %v", errs)
	}

	c := &Channel{
		cfg:        cfg,
		logger:     slog.Default().With("component", "channel"),
		sessionID:  uuid.NewString(),
		resultSubs: make(map[uint64]func([]byte)),
		stateSubs:  make(map[uint64]func(State)),
		done:       make(chan struct{}),
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(StateConnecting))
	return c, nil
}

// Connect starts the connection manager and returns immediately.
// The link is usable once State reports StateOpen.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.State() == StateClosed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Send queues a JPEG for transmission. It never blocks: when the link is
// not open, or the mailbox is full, the frame is dropped.
func (c *Channel) Send(payload []byte) {
	c.mu.Lock()
	mailbox := c.mailbox
	c.mu.Unlock()

	if mailbox == nil {
		c.droppedState.Add(1)
		return
	}

	msg, err := c.encode(payload)
	if err != nil {
		c.logger.Warn("frame encode failed", "error", err)
		c.droppedState.Add(1)
		return
	}

	select {
	case mailbox <- msg:
		c.queued.Add(1)
	default:
		c.droppedFull.Add(1)
	}
}

func (c *Channel) encode(payload []byte) (outbound, error) {
	if c.cfg.Encoding == EncodingBinary {
		return outbound{kind: websocket.BinaryMessage, data: payload}, nil
	}
	ev, err := protocol.NewImageEvent(payload)
	if err != nil {
		return outbound{}, err
	}
	data, err := ev.Bytes()
	if err != nil {
		return outbound{}, err
	}
	return outbound{kind: websocket.TextMessage, data: data}, nil
}

// Subscribe registers fn for the data of every result event, in receive
// order. fn runs on the reader goroutine and must not block.
func (c *Channel) Subscribe(fn func(data []byte)) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.resultSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.resultSubs, id)
		c.mu.Unlock()
	}
}

// OnState registers fn for state transitions.
func (c *Channel) OnState(fn func(State)) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.stateSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

// State returns the current link state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// SessionID returns the client session id sent on every handshake.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// Close shuts the link down. The channel cannot be reused.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		started := c.started
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			<-c.done
		}
		c.setState(StateClosed)
		c.logger.Info("channel closed", "sent", c.sent.Load(), "results", c.results.Load())
	})
	return nil
}

// run owns the link until ctx ends or reconnection gives up. Either way
// the channel is closed when it returns.
func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.setState(StateClosed)
		close(c.done)
	}()

	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if c.cfg.MaxReconnectAttempts > 0 && failures >= c.cfg.MaxReconnectAttempts {
				c.logger.Error("giving up on analysis service", "attempts", failures, "error", err)
				return
			}
			delay := calculateBackoff(failures, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
			c.logger.Warn("dial failed", "attempt", failures, "retry_in", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		failures = 0

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		c.reconnects.Add(1)
		c.logger.Warn("connection lost", "error", err)
		if !sleepCtx(ctx, c.cfg.ReconnectBaseDelay) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set(SessionHeader, c.sessionID)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	mailbox := make(chan outbound, c.cfg.MailboxSize)
	c.mu.Lock()
	c.mailbox = mailbox
	c.mu.Unlock()

	c.connects.Add(1)
	c.setState(StateOpen)
	c.logger.Info("connected", "url", c.cfg.URL, "session", c.sessionID, "encoding", c.cfg.Encoding)

	connCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.writeLoop(connCtx, conn, mailbox)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	// Stop accepting frames before anything else; whatever is still in the
	// old mailbox is discarded with it.
	c.mu.Lock()
	c.mailbox = nil
	c.mu.Unlock()
	if ctx.Err() == nil {
		c.setState(StateReconnecting)
	}

	cancel()
	if ctx.Err() != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
	}
	conn.Close()
	wg.Wait()

	if discarded := len(mailbox); discarded > 0 {
		c.logger.Debug("discarded queued frames", "count", discarded)
	}
	return err
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrDisconnected, err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(kind, data)
	}
}

func (c *Channel) dispatch(kind int, data []byte) {
	if kind != websocket.TextMessage {
		c.malformedResult(fmt.Errorf("%w: non-text frame", ErrMalformedResult))
		return
	}

	ev, err := protocol.ParseEvent(data)
	if err != nil {
		c.malformedResult(fmt.Errorf("%w: %v", ErrMalformedResult, err))
		return
	}
	if ev.Event != protocol.EventResult {
		c.malformedResult(fmt.Errorf("%w: unexpected event %q", ErrMalformedResult, ev.Event))
		return
	}
	if len(ev.Data) == 0 || bytes.Equal(bytes.TrimSpace(ev.Data), []byte("null")) {
		c.malformedResult(fmt.Errorf("%w: %v", ErrMalformedResult, protocol.ErrEmptyData))
		return
	}

	c.results.Add(1)

	c.mu.Lock()
	subs := make([]func([]byte), 0, len(c.resultSubs))
	for _, fn := range c.resultSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev.Data)
	}
}

func (c *Channel) malformedResult(err error) {
	c.malformed.Add(1)
	c.logger.Warn("discarding message", "error", err)
}

// writeLoop is the only writer of data frames on conn.
func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn, mailbox <-chan outbound) error {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-mailbox:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(msg.kind, msg.data); err != nil {
				return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
			}
			c.sent.Add(1)
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("%w: ping: %v", ErrDisconnected, err)
			}
		}
	}
}

// setState records a transition. Closed is terminal.
func (c *Channel) setState(s State) {
	for {
		old := State(c.state.Load())
		if old == s || old == StateClosed {
			return
		}
		if c.state.CompareAndSwap(int32(old), int32(s)) {
			c.logger.Debug("state change", "from", old.String(), "to", s.String())
			break
		}
	}

	c.mu.Lock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stats contains channel statistics.
type Stats struct {
	State        string `json:"state"`
	SessionID    string `json:"session_id"`
	Queued       uint64 `json:"queued"`
	Sent         uint64 `json:"sent"`
	DroppedState uint64 `json:"dropped_not_open"`
	DroppedFull  uint64 `json:"dropped_mailbox_full"`
	Results      uint64 `json:"results"`
	Malformed    uint64 `json:"malformed"`
	Connects     uint64 `json:"connects"`
	Reconnects   uint64 `json:"reconnects"`
}

// Stats returns channel statistics.
func (c *Channel) Stats() Stats {
	return Stats{
		State:        c.State().String(),
		SessionID:    c.sessionID,
		Queued:       c.queued.Load(),
		Sent:         c.sent.Load(),
		DroppedState: c.droppedState.Load(),
		DroppedFull:  c.droppedFull.Load(),
		Results:      c.results.Load(),
		Malformed:    c.malformed.Load(),
		Connects:     c.connects.Load(),
		Reconnects:   c.reconnects.Load(),
	}
}
