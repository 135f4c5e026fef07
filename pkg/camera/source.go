package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxConsecutiveReadErrors ends the session when the device keeps failing.
	maxConsecutiveReadErrors = 30

	readRetryDelay = 10 * time.Millisecond
	stopTimeout    = 2 * time.Second
)

// Source acquires a live stream from a capture device and exposes it as a
// continuously-updating Surface.
//
// Contract:
//   - Start opens the device; on failure it returns an error matching
//     ErrDeviceUnavailable and leaves no surface bound.
//   - OnPlaying fires once per session, when the first frame lands.
//   - OnInvalidated fires when the session ends (Stop, context
//     cancellation or the device stream failing).
//   - Stop is idempotent; a stopped Source may be started again.
type Source struct {
	cfg    Config
	device Device
	logger *slog.Logger

	mu          sync.Mutex
	session     *session
	nextSubID   uint64
	playingSubs map[uint64]func(*Surface)
	invalidSubs map[uint64]func(error)

	// Stats
	framesRead atomic.Uint64
	readErrors atomic.Uint64
	sessions   atomic.Uint64
}

type session struct {
	surface *Surface
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	playing atomic.Bool
	endOnce sync.Once
}

// NewSource creates a Source for the given device.
func NewSource(device Device, cfg Config, logger *slog.Logger) (*Source, error) {
	if device == nil {
		return nil, fmt.Errorf("camera: device is required")
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("camera: invalid config: %v", errs)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		cfg:         cfg,
		device:      device,
		logger:      logger.With("component", "camera.source"),
		playingSubs: make(map[uint64]func(*Surface)),
		invalidSubs: make(map[uint64]func(error)),
	}, nil
}

// Start requests access to the capture device and begins playback.
// The session lives until Stop is called or ctx is cancelled.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return nil
	}

	stream, err := s.device.Open(ctx, s.cfg)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = NewDeviceError(s.deviceName(), ReasonUnknown, err)
		}
		s.logger.Error("camera unavailable",
			"device", s.deviceName(),
			"reason", ReasonOf(err),
			"error", err,
		)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		surface: newSurface(),
		stream:  stream,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.session = sess
	s.sessions.Add(1)

	s.logger.Info("camera started",
		"device", s.deviceName(),
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"framerate", s.cfg.Framerate,
	)

	go s.run(runCtx, sess)
	return nil
}

// run is the only writer of the session surface.
func (s *Source) run(ctx context.Context, sess *session) {
	defer close(sess.done)

	failures := 0
	for {
		img, err := sess.stream.Read(ctx)
		if ctx.Err() != nil {
			s.end(sess, nil)
			return
		}

		if err != nil {
			s.readErrors.Add(1)
			failures++
			if errors.Is(err, io.EOF) || failures >= maxConsecutiveReadErrors {
				s.logger.Error("camera stream lost", "error", err, "failures", failures)
				s.end(sess, err)
				return
			}
			select {
			case <-ctx.Done():
				s.end(sess, nil)
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		failures = 0

		if img == nil {
			continue
		}

		s.framesRead.Add(1)
		if sess.surface.publish(img) {
			sess.playing.Store(true)
			b := img.Bounds()
			s.logger.Info("camera playing", "native_width", b.Dx(), "native_height", b.Dy())
			s.notifyPlaying(sess.surface)
		}
	}
}

// end tears a session down exactly once.
func (s *Source) end(sess *session, cause error) {
	sess.endOnce.Do(func() {
		sess.surface.invalidate()
		if err := sess.stream.Close(); err != nil {
			s.logger.Warn("camera close failed", "error", err)
		}

		s.mu.Lock()
		if s.session == sess {
			s.session = nil
		}
		subs := make([]func(error), 0, len(s.invalidSubs))
		for _, fn := range s.invalidSubs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()

		s.logger.Info("camera stopped", "frames", sess.surface.Frames())

		for _, fn := range subs {
			fn(cause)
		}
	})
}

// Stop releases the device and invalidates the surface.
func (s *Source) Stop() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil {
		return nil
	}

	sess.cancel()

	select {
	case <-sess.done:
		return nil
	case <-time.After(stopTimeout):
		// The device read is stuck; tear down from here.
		s.end(sess, nil)
		return fmt.Errorf("camera: stop timed out after %s", stopTimeout)
	}
}

// Surface returns the surface of the running session, or nil.
func (s *Source) Surface() *Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	return s.session.surface
}

// Running reports whether a capture session is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// OnPlaying registers fn to run when the feed starts playing.
// If the current session is already playing, fn runs immediately.
// The returned func cancels the registration.
func (s *Source) OnPlaying(fn func(*Surface)) (cancel func()) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.playingSubs[id] = fn
	var surface *Surface
	if s.session != nil && s.session.playing.Load() {
		surface = s.session.surface
	}
	s.mu.Unlock()

	if surface != nil {
		fn(surface)
	}

	return func() {
		s.mu.Lock()
		delete(s.playingSubs, id)
		s.mu.Unlock()
	}
}

// OnInvalidated registers fn to run when a session ends. The error is
// the stream failure, or nil for an explicit stop.
func (s *Source) OnInvalidated(fn func(error)) (cancel func()) {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.invalidSubs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.invalidSubs, id)
		s.mu.Unlock()
	}
}

func (s *Source) notifyPlaying(surface *Surface) {
	s.mu.Lock()
	subs := make([]func(*Surface), 0, len(s.playingSubs))
	for _, fn := range s.playingSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(surface)
	}
}

func (s *Source) deviceName() string {
	return fmt.Sprintf("%s:%d", s.device.Name(), s.cfg.DeviceID)
}

// Config returns the configuration the source was created with.
func (s *Source) Config() Config {
	return s.cfg
}

// SourceStats contains capture statistics.
type SourceStats struct {
	Running    bool   `json:"running"`
	Playing    bool   `json:"playing"`
	FramesRead uint64 `json:"frames_read"`
	ReadErrors uint64 `json:"read_errors"`
	Sessions   uint64 `json:"sessions"`
}

// Stats returns capture statistics.
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	running := s.session != nil
	playing := running && s.session.playing.Load()
	s.mu.Unlock()

	return SourceStats{
		Running:    running,
		Playing:    playing,
		FramesRead: s.framesRead.Load(),
		ReadErrors: s.readErrors.Load(),
		Sessions:   s.sessions.Load(),
	}
}
