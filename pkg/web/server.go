// Package web provides the local display for gesturecam: the mirrored
// camera preview, the latest analysis result and pipeline status.
package web

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"github.com/teslashibe/go-gesturecam/pkg/hub"
	"github.com/teslashibe/go-gesturecam/pkg/metrics"
	"github.com/teslashibe/go-gesturecam/pkg/pipeline"
	"github.com/teslashibe/go-gesturecam/pkg/result"
)

// DefaultPreviewInterval is how often the preview is pushed to display
// clients.
const DefaultPreviewInterval = 100 * time.Millisecond

// Pipeline is the part of the capture pipeline the display reads.
type Pipeline interface {
	Stats() pipeline.Stats
	Store() *result.Store
	Source() *camera.Source
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPreviewInterval sets the preview push interval.
func WithPreviewInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.previewInterval = d
		}
	}
}

// Server is the display server
type Server struct {
	app     *fiber.App
	addr    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	pipeline Pipeline
	camera   *camera.Manager

	// Hubs for websocket broadcast
	resultHub *hub.Hub
	cameraHub *hub.Hub

	previewInterval time.Duration

	startOnce sync.Once
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// NewServer creates a display server for p listening on addr.
func NewServer(addr string, p Pipeline, manager *camera.Manager, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		logger:          slog.Default(),
		pipeline:        p,
		camera:          manager,
		previewInterval: DefaultPreviewInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.resultHub = hub.New("result", s.logger)
	s.cameraHub = hub.New("camera", s.logger)

	app := fiber.New(fiber.Config{
		AppName:               "gesturecam",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if s.metrics != nil {
		app.Use(s.metrics.Middleware())
		app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler(func() {
			s.metrics.SetDisplayClients(s.resultHub.ClientCount() + s.cameraHub.ClientCount())
		})))
	}

	api := app.Group("/api")
	api.Get("/result", s.handleResult)
	api.Get("/status", s.handleStatus)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleUpdateCamera)
	api.Get("/camera/presets", s.handleCameraPresets)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/result", websocket.New(s.handleResultWS))
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))

	s.app = app
	return s
}

// run starts the hubs, the result fan-out and the preview loop.
func (s *Server) run(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()

		go s.resultHub.Run(ctx)
		go s.cameraHub.Run(ctx)

		unsubscribe := s.pipeline.Store().Subscribe(func(msg result.Message) {
			if err := s.resultHub.BroadcastJSON(newResultView(msg)); err != nil {
				s.logger.Warn("broadcast result failed", "error", err)
			}
		})
		go func() {
			<-ctx.Done()
			unsubscribe()
		}()

		go s.previewLoop(ctx)
	})
}

// Start starts the display server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.run(ctx)
	s.logger.Info("display listening", "url", "http://"+s.addr)
	return s.app.Listen(s.addr)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.run(ctx)
	s.logger.Info("display listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// StartAsync starts the display server in a goroutine
func (s *Server) StartAsync(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			s.logger.Error("display server error", "error", err)
		}
	}()
}

// Shutdown stops the hubs and the HTTP server.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.app.Shutdown()
}

// ResultHub returns the hub pushing results to display clients.
func (s *Server) ResultHub() *hub.Hub {
	return s.resultHub
}

// CameraHub returns the hub pushing preview frames.
func (s *Server) CameraHub() *hub.Hub {
	return s.cameraHub
}
