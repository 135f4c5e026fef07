package camera

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
)

// Device is the capture device API: a request for video-only access.
type Device interface {
	// Open acquires the device and returns a live stream.
	// Failures must be reported as *DeviceError.
	Open(ctx context.Context, cfg Config) (Stream, error)

	// Name identifies the backend, e.g. "opencv".
	Name() string
}

// Stream is a live feed from an opened device.
type Stream interface {
	// Read blocks until the next frame is available.
	// The returned image is owned by the caller and must not be reused
	// by the stream afterwards.
	Read(ctx context.Context) (image.Image, error)

	// Close releases the device. Safe to call multiple times.
	Close() error
}

// DeviceFactory builds a Device for a backend.
type DeviceFactory func(logger *slog.Logger) Device

var (
	registryMu sync.RWMutex
	registry   = map[string]DeviceFactory{}
)

// Register makes a device backend available by name.
// Backends in sub-packages call it from init.
func Register(name string, factory DeviceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("camera: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("camera: Register called twice for backend " + name)
	}
	registry[name] = factory
}

// Backends returns the sorted names of registered backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDevice creates the device registered for cfg.Backend.
func NewDevice(cfg Config, logger *slog.Logger) (Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registryMu.RLock()
	factory, ok := registry[cfg.Backend]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, cfg.Backend, Backends())
	}

	logger.Info("creating capture device",
		"backend", cfg.Backend,
		"device_id", cfg.DeviceID,
		"width", cfg.Width,
		"height", cfg.Height,
		"framerate", cfg.Framerate,
	)

	return factory(logger), nil
}

func init() {
	Register(BackendTest, func(logger *slog.Logger) Device {
		return NewSynthetic()
	})
}
