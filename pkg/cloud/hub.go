// Package cloud provides a reference analysis service: a websocket
// endpoint that accepts image events from capture clients and answers each
// with a result event.
package cloud

import (
	"bytes"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/teslashibe/go-gesturecam/pkg/protocol"
)

// ClientConnection represents a connected capture client
type ClientConnection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	mu sync.Mutex
}

// Send sends an event to the client
func (c *ClientConnection) Send(ev *protocol.Event) error {
	data, err := ev.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (c *ClientConnection) touch() {
	c.mu.Lock()
	c.LastSeen = time.Now()
	c.mu.Unlock()
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAnalyzer replaces the FrameStats analyzer.
func WithAnalyzer(a Analyzer) Option {
	return func(h *Hub) {
		if a != nil {
			h.analyzer = a
		}
	}
}

// Hub manages WebSocket connections from capture clients
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*ClientConnection
	logger   *slog.Logger
	analyzer Analyzer

	// Stats
	messagesReceived atomic.Uint64
	framesReceived   atomic.Uint64
	resultsSent      atomic.Uint64
	decodeErrors     atomic.Uint64
	ignored          atomic.Uint64
}

// NewHub creates a new analysis hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:  make(map[string]*ClientConnection),
		logger:   slog.Default(),
		analyzer: FrameStats{DarkThreshold: DefaultDarkThreshold},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "cloud")
	return h
}

// RegisterRoutes registers the WebSocket endpoint on a Fiber app
func (h *Hub) RegisterRoutes(app *fiber.App) {
	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("session", c.Get(protocol.SessionHeader))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(h.handleClient))
}

// handleClient handles a capture client WebSocket connection
func (h *Hub) handleClient(c *websocket.Conn) {
	// Use the client's session id when it sends one
	id, _ := c.Locals("session").(string)
	if id == "" || h.GetClient(id) != nil {
		id = uuid.NewString()
	}

	client := &ClientConnection{
		ID:        id,
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}

	h.mu.Lock()
	h.clients[id] = client
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", "client", id, "clients", count)

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		count := len(h.clients)
		h.mu.Unlock()
		h.logger.Info("client disconnected", "client", id, "clients", count)
	}()

	// Read loop
	for {
		kind, data, err := c.ReadMessage()
		if err != nil {
			h.logger.Debug("read ended", "client", id, "error", err)
			return
		}
		client.touch()
		h.messagesReceived.Add(1)

		ev, ok := h.handleMessage(id, kind, data)
		if !ok {
			continue
		}
		if err := client.Send(ev); err != nil {
			h.logger.Debug("write failed", "client", id, "error", err)
			return
		}
		h.resultsSent.Add(1)
	}
}

// handleMessage turns one inbound message into the result to send back.
// It reports false for messages that get no answer.
func (h *Hub) handleMessage(clientID string, kind int, data []byte) (*protocol.Event, bool) {
	var raw []byte
	switch kind {
	case websocket.BinaryMessage:
		raw = data

	case websocket.TextMessage:
		ev, err := protocol.ParseEvent(data)
		if err != nil || ev.Event != protocol.EventImage {
			h.ignored.Add(1)
			h.logger.Debug("ignoring message", "client", clientID, "error", err)
			return nil, false
		}
		raw, err = ev.ImageJPEG()
		if err != nil {
			h.decodeErrors.Add(1)
			raw = nil
		}

	default:
		h.ignored.Add(1)
		return nil, false
	}

	h.framesReceived.Add(1)

	var img image.Image
	if len(raw) > 0 {
		decoded, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			h.decodeErrors.Add(1)
			h.logger.Debug("jpeg decode failed", "client", clientID, "error", err)
		} else {
			img = decoded
		}
	}

	ev, err := protocol.NewResultEvent(h.analyzer.Analyze(img, raw))
	if err != nil {
		h.logger.Error("encode result failed", "client", clientID, "error", err)
		return nil, false
	}
	return ev, true
}

// GetClient returns a client connection by ID
func (h *Hub) GetClient(id string) *ClientConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats contains hub statistics
type Stats struct {
	ClientCount      int    `json:"client_count"`
	MessagesReceived uint64 `json:"messages_received"`
	FramesReceived   uint64 `json:"frames_received"`
	ResultsSent      uint64 `json:"results_sent"`
	DecodeErrors     uint64 `json:"decode_errors"`
	Ignored          uint64 `json:"ignored"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		ClientCount:      h.ClientCount(),
		MessagesReceived: h.messagesReceived.Load(),
		FramesReceived:   h.framesReceived.Load(),
		ResultsSent:      h.resultsSent.Load(),
		DecodeErrors:     h.decodeErrors.Load(),
		Ignored:          h.ignored.Load(),
	}
}

// ClientInfo contains info about a connected client
type ClientInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// GetClientInfos returns info about all connected clients
func (h *Hub) GetClientInfos() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		c.mu.Lock()
		infos = append(infos, ClientInfo{
			ID:        c.ID,
			Connected: c.Connected,
			LastSeen:  c.LastSeen,
		})
		c.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers API routes for client inspection
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	clients := api.Group("/clients")

	// List connected clients
	clients.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"clients": h.GetClientInfos(),
			"count":   h.ClientCount(),
		})
	})

	// Get hub stats
	clients.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}
