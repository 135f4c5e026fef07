// Package cvdevice provides the OpenCV capture backend.
//
// Import it for side effects to make the "opencv" backend available:
//
//	import _ "github.com/teslashibe/go-gesturecam/pkg/camera/cvdevice"
package cvdevice

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"

	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"gocv.io/x/gocv"
)

func init() {
	camera.Register(camera.BackendOpenCV, func(logger *slog.Logger) camera.Device {
		return New(logger)
	})
}

// Device opens webcams through OpenCV's VideoCapture.
type Device struct {
	logger *slog.Logger
}

// New creates an OpenCV capture device.
func New(logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{logger: logger.With("component", "camera.opencv")}
}

// Name implements camera.Device.
func (d *Device) Name() string { return camera.BackendOpenCV }

// Open implements camera.Device. Video only; audio is never requested.
func (d *Device) Open(ctx context.Context, cfg camera.Config) (camera.Stream, error) {
	name := fmt.Sprintf("%s:%d", camera.BackendOpenCV, cfg.DeviceID)

	if err := ctx.Err(); err != nil {
		return nil, camera.NewDeviceError(name, camera.ReasonUnknown, err)
	}

	vc, err := gocv.OpenVideoCapture(cfg.DeviceID)
	if err != nil {
		return nil, camera.NewDeviceError(name, classify(err), err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, camera.NewDeviceError(name, camera.ReasonNotFound, errors.New("capture device did not open"))
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	d.logger.Debug("capture opened",
		"device", name,
		"width", vc.Get(gocv.VideoCaptureFrameWidth),
		"height", vc.Get(gocv.VideoCaptureFrameHeight),
	)

	return &stream{vc: vc, mat: gocv.NewMat()}, nil
}

// classify maps OpenCV open failures onto device error reasons.
// OpenCV does not expose errno, so this goes by message text.
func classify(err error) camera.Reason {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not authorized"), strings.Contains(msg, "denied"):
		return camera.ReasonPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return camera.ReasonDeviceBusy
	case strings.Contains(msg, "no such"), strings.Contains(msg, "not found"), strings.Contains(msg, "can't open"):
		return camera.ReasonNotFound
	default:
		return camera.ReasonUnknown
	}
}

type stream struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

// Read grabs the next frame. VideoCapture.Read blocks inside OpenCV and
// cannot be interrupted; ctx is checked between reads.
func (s *stream) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("cvdevice: stream closed")
	}
	if ok := s.vc.Read(&s.mat); !ok {
		return nil, errors.New("cvdevice: read failed")
	}
	if s.mat.Empty() {
		return nil, errors.New("cvdevice: empty frame")
	}

	// ToImage copies out of the Mat, so the buffer can be reused.
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("cvdevice: convert frame: %w", err)
	}
	return img, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	return s.vc.Close()
}
