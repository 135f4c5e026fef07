package camera

import (
	"context"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Synthetic is a capture device that renders a moving test pattern.
// It backs the "test" backend and is used throughout the tests.
type Synthetic struct {
	openErr   error
	failAfter int64 // frames before the stream reports EOF, 0 = never
	startGate chan struct{}

	opens atomic.Int64
}

// SyntheticOption configures a Synthetic device.
type SyntheticOption func(*Synthetic)

// WithOpenError makes Open fail with err (e.g. a permission-denied
// DeviceError).
func WithOpenError(err error) SyntheticOption {
	return func(s *Synthetic) { s.openErr = err }
}

// WithFailAfter makes every stream end with io.EOF after n frames.
func WithFailAfter(n int) SyntheticOption {
	return func(s *Synthetic) { s.failAfter = int64(n) }
}

// WithStartGate holds back the first frame until gate is closed, so tests
// can observe the state before the feed is playing.
func WithStartGate(gate chan struct{}) SyntheticOption {
	return func(s *Synthetic) { s.startGate = gate }
}

// NewSynthetic creates a synthetic device.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Device.
func (s *Synthetic) Name() string { return BackendTest }

// Opens returns how many times Open succeeded.
func (s *Synthetic) Opens() int64 { return s.opens.Load() }

// Open implements Device.
func (s *Synthetic) Open(ctx context.Context, cfg Config) (Stream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	if err := ctx.Err(); err != nil {
		return nil, NewDeviceError(BackendTest, ReasonUnknown, err)
	}
	s.opens.Add(1)

	fps := cfg.Framerate
	if fps <= 0 {
		fps = 30
	}

	return &syntheticStream{
		width:     cfg.Width,
		height:    cfg.Height,
		interval:  time.Second / time.Duration(fps),
		failAfter: s.failAfter,
		gate:      s.startGate,
		closed:    make(chan struct{}),
	}, nil
}

type syntheticStream struct {
	width, height int
	interval      time.Duration
	failAfter     int64
	gate          chan struct{}

	frames    int64
	last      time.Time
	closeOnce sync.Once
	closed    chan struct{}
}

// Read paces frames at the configured framerate.
func (st *syntheticStream) Read(ctx context.Context) (image.Image, error) {
	if st.gate != nil {
		select {
		case <-st.gate:
		case <-st.closed:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if st.failAfter > 0 && st.frames >= st.failAfter {
		return nil, io.EOF
	}

	if !st.last.IsZero() {
		wait := st.interval - time.Since(st.last)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-st.closed:
				return nil, io.EOF
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	st.last = time.Now()
	st.frames++

	return TestPattern(st.width, st.height, int(st.frames)), nil
}

func (st *syntheticStream) Close() error {
	st.closeOnce.Do(func() { close(st.closed) })
	return nil
}

// TestPattern renders a w x h gradient with a vertical bar whose
// position depends on tick.
func TestPattern(w, h, tick int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	barX := (tick * 8) % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 128,
				A: 255,
			}
			if x >= barX && x < barX+w/16+1 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
