// Package pipeline owns the capture loop: it starts the camera, arms the
// sampler once the feed is playing, streams frames over the channel and
// records incoming results in the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"github.com/teslashibe/go-gesturecam/pkg/channel"
	"github.com/teslashibe/go-gesturecam/pkg/result"
	"github.com/teslashibe/go-gesturecam/pkg/sampler"
)

var (
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("pipeline: stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline: already started")
)

// Config bundles the configuration of every stage.
type Config struct {
	Camera  camera.Config  `json:"camera"`
	Sampler sampler.Config `json:"sampler"`
	Channel channel.Config `json:"channel"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Camera:  camera.DefaultConfig(),
		Sampler: sampler.DefaultConfig(),
		Channel: channel.DefaultConfig(),
	}
}

// Validate checks every stage.
func (c Config) Validate() []string {
	var errs []string
	for _, e := range c.Camera.Validate() {
		errs = append(errs, "camera: "+e)
	}
	for _, e := range c.Sampler.Validate() {
		errs = append(errs, "sampler: "+e)
	}
	for _, e := range c.Channel.Validate() {
		errs = append(errs, "channel: "+e)
	}
	return errs
}

// Controller wires and owns the four stages.
type Controller struct {
	source  *camera.Source
	sampler *sampler.Sampler
	channel *channel.Channel
	store   *result.Store
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancels []func()

	// armMu orders sampler arming against Stop.
	armMu  sync.Mutex
	halted bool
}

// New creates a controller from already-built stages.
func New(source *camera.Source, smp *sampler.Sampler, ch *channel.Channel, store *result.Store, logger *slog.Logger) (*Controller, error) {
	if source == nil || smp == nil || ch == nil || store == nil {
		return nil, fmt.Errorf("pipeline: source, sampler, channel and store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		source:  source,
		sampler: smp,
		channel: ch,
		store:   store,
		logger:  logger.With("component", "pipeline"),
	}, nil
}

// Build creates every stage from cfg and wires them together. The channel
// is the sampler's sender.
func Build(cfg Config, device camera.Device, logger *slog.Logger) (*Controller, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("pipeline: invalid config: %v", errs)
	}
	if logger == nil {
		logger = slog.Default()
	}

	source, err := camera.NewSource(device, cfg.Camera, logger)
	if err != nil {
		return nil, err
	}
	ch, err := channel.New(cfg.Channel, channel.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	smp, err := sampler.New(cfg.Sampler, ch, sampler.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return New(source, smp, ch, result.NewStore(logger), logger)
}

// Start opens the camera and, on success, connects the channel.
// A camera failure is returned as is (errors.Is ErrDeviceUnavailable);
// in that case nothing is left running and no result will ever arrive.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	cancelPlaying := c.source.OnPlaying(func(surface *camera.Surface) {
		c.armMu.Lock()
		defer c.armMu.Unlock()
		if c.halted {
			return
		}
		if err := c.sampler.Arm(surface); err != nil {
			c.logger.Error("arm sampler failed", "error", err)
		}
	})
	cancelInvalidated := c.source.OnInvalidated(func(err error) {
		c.sampler.Stop()
		if err != nil {
			c.logger.Warn("capture ended", "error", err)
		}
	})

	if err := c.source.Start(ctx); err != nil {
		cancelPlaying()
		cancelInvalidated()
		return err
	}

	cancelResults := c.channel.Subscribe(c.store.OnResult)
	if err := c.channel.Connect(ctx); err != nil {
		cancelResults()
		cancelPlaying()
		cancelInvalidated()
		c.sampler.Stop()
		c.source.Stop()
		return err
	}

	c.cancels = []func(){cancelPlaying, cancelInvalidated, cancelResults}
	c.started = true
	c.logger.Info("pipeline started", "session", c.channel.SessionID())
	return nil
}

// Stop halts sampling, releases the camera, closes the channel and the
// store. Safe to call more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	c.armMu.Lock()
	c.halted = true
	c.armMu.Unlock()
	c.sampler.Stop()

	var errs []error
	if err := c.source.Stop(); err != nil {
		errs = append(errs, err)
	}
	for _, cancel := range cancels {
		cancel()
	}
	if err := c.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	c.store.Close()

	c.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

// Store returns the result store.
func (c *Controller) Store() *result.Store { return c.store }

// Source returns the frame source.
func (c *Controller) Source() *camera.Source { return c.source }

// Sampler returns the frame sampler.
func (c *Controller) Sampler() *sampler.Sampler { return c.sampler }

// Channel returns the stream channel.
func (c *Controller) Channel() *channel.Channel { return c.channel }

// Stats aggregates stage statistics.
type Stats struct {
	Source  camera.SourceStats `json:"source"`
	Sampler sampler.Stats      `json:"sampler"`
	Channel channel.Stats      `json:"channel"`
	Results result.Stats       `json:"results"`
}

// Stats returns statistics for every stage.
func (c *Controller) Stats() Stats {
	return Stats{
		Source:  c.source.Stats(),
		Sampler: c.sampler.Stats(),
		Channel: c.channel.Stats(),
		Results: c.store.Stats(),
	}
}
