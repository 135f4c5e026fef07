// Package sampler periodically snapshots a live video surface, rescales
// the snapshot to a fixed canonical size, JPEG-encodes it and hands the
// payload to a sender.
//
// Firings are not serialized: each tick starts its own capture pipeline
// regardless of whether earlier ones have finished, so slow encodes or a
// slow network never delay the cadence. InFlight is reported for
// observability only.
package sampler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"golang.org/x/image/draw"
)

// ErrEncodeFailure is returned when a firing cannot produce a frame,
// typically because the surface is not populated yet.
var ErrEncodeFailure = errors.New("sampler: encode failure")

// ErrNoSurface is returned by Arm when called without a surface.
var ErrNoSurface = errors.New("sampler: no surface")

// Surface is the readable side of a live video buffer.
type Surface interface {
	Snapshot() (camera.Frame, error)
}

// Sender accepts encoded JPEG payloads. Send must not block.
type Sender interface {
	Send(payload []byte)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(payload []byte)

// Send implements Sender.
func (f SenderFunc) Send(payload []byte) { f(payload) }

// EncodedFrame is a JPEG at the canonical size.
type EncodedFrame struct {
	Data       []byte
	Width      int
	Height     int
	Seq        uint64
	CapturedAt time.Time
}

// Ticker is the tick source driving firings.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Option configures a Sampler.
type Option func(*Sampler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		if logger != nil {
			s.logger = logger.With("component", "sampler")
		}
	}
}

// WithTicker replaces the wall-clock ticker, e.g. with a manual one in tests.
func WithTicker(newTicker func(period time.Duration) Ticker) Option {
	return func(s *Sampler) { s.newTicker = newTicker }
}

// Sampler fires capture pipelines on a fixed period.
type Sampler struct {
	cfg       Config
	sender    Sender
	scaler    draw.Scaler
	logger    *slog.Logger
	newTicker func(time.Duration) Ticker

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	work sync.WaitGroup
	seq  atomic.Uint64

	// Stats
	fired    atomic.Uint64
	encoded  atomic.Uint64
	skipped  atomic.Uint64
	sent     atomic.Uint64
	inFlight atomic.Int64
}

// New creates a sampler that hands frames to sender.
func New(cfg Config, sender Sender, opts ...Option) (*Sampler, error) {
	if sender == nil {
		return nil, fmt.Errorf("sampler: sender is required")
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("sampler: invalid config: %v", errs)
	}

	s := &Sampler{
		cfg:    cfg,
		sender: sender,
		scaler: scalerFor(cfg.Scaler),
		logger: slog.Default().With("component", "sampler"),
		newTicker: func(d time.Duration) Ticker {
			return timeTicker{time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Arm starts firing against surface. Arming an armed sampler moves it to
// the new surface.
func (s *Sampler) Arm(surface Surface) error {
	if surface == nil {
		return ErrNoSurface
	}

	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done

	ticker := s.newTicker(s.cfg.Period)
	go s.loop(surface, ticker, stop, done)

	s.logger.Info("sampler armed",
		"period", s.cfg.Period,
		"width", s.cfg.Width,
		"height", s.cfg.Height,
	)
	return nil
}

// Stop cancels the timer. In-flight firings are not waited for, but no new
// firing starts once Stop has returned.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done

	s.logger.Info("sampler stopped",
		"fired", s.fired.Load(),
		"sent", s.sent.Load(),
		"in_flight", s.inFlight.Load(),
	)
}

// Wait blocks until every started firing has finished.
func (s *Sampler) Wait() {
	s.work.Wait()
}

// Armed reports whether the timer is running.
func (s *Sampler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Sampler) loop(surface Surface, ticker Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			// A tick and a stop can be ready together; stop wins.
			select {
			case <-stop:
				return
			default:
			}
			s.fire(surface)
		}
	}
}

// fire starts one capture pipeline without waiting for previous ones.
func (s *Sampler) fire(surface Surface) {
	s.fired.Add(1)
	s.inFlight.Add(1)
	s.work.Add(1)

	go func() {
		defer s.work.Done()
		defer s.inFlight.Add(-1)

		frame, err := s.Capture(surface)
		if err != nil {
			s.skipped.Add(1)
			s.logger.Debug("firing skipped", "error", err)
			return
		}
		s.encoded.Add(1)

		s.sender.Send(frame.Data)
		s.sent.Add(1)
	}()
}

// Capture runs a single snapshot, rescale and encode.
func (s *Sampler) Capture(surface Surface) (EncodedFrame, error) {
	snap, err := surface.Snapshot()
	if err != nil {
		return EncodedFrame{}, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}

	data, err := EncodeJPEG(s.Rescale(snap.Image), s.cfg.Quality)
	if err != nil {
		return EncodedFrame{}, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}

	return EncodedFrame{
		Data:       data,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		Seq:        s.seq.Add(1),
		CapturedAt: snap.CapturedAt,
	}, nil
}

// Rescale stretches src to the canonical size. The whole source is kept;
// nothing is cropped.
func (s *Sampler) Rescale(src image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	s.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img as JPEG.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stats contains sampling statistics.
type Stats struct {
	Armed    bool   `json:"armed"`
	Fired    uint64 `json:"fired"`
	Encoded  uint64 `json:"encoded"`
	Skipped  uint64 `json:"skipped"`
	Sent     uint64 `json:"sent"`
	InFlight int64  `json:"in_flight"`
}

// Stats returns sampling statistics.
func (s *Sampler) Stats() Stats {
	return Stats{
		Armed:    s.Armed(),
		Fired:    s.fired.Load(),
		Encoded:  s.encoded.Load(),
		Skipped:  s.skipped.Load(),
		Sent:     s.sent.Load(),
		InFlight: s.inFlight.Load(),
	}
}

// Config returns the sampling configuration.
func (s *Sampler) Config() Config {
	return s.cfg
}
