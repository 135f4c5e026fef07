// Package camera provides the live frame source for gesturecam: capture
// device backends, the continuously-updating video surface and
// runtime-configurable camera settings.
package camera

// Config holds all camera configuration parameters.
// Display and preview fields can be modified via the camera API at runtime.
type Config struct {
	// === Device ===
	// Backend selects the registered capture device implementation.
	// Values: "opencv", "test"
	Backend string `json:"backend"`

	// DeviceID is the capture device index (0 = default webcam).
	DeviceID int `json:"device_id"`

	// === Native capture request ===
	// The device may deliver a different resolution; the sampler rescales
	// to its canonical size regardless.
	Width     int `json:"width"`     // Requested capture width in pixels
	Height    int `json:"height"`    // Requested capture height in pixels
	Framerate int `json:"framerate"` // Requested capture FPS

	// === Display (preview) ===
	DisplayWidth  int  `json:"display_width"`  // Preview width in pixels
	DisplayHeight int  `json:"display_height"` // Preview height in pixels
	Mirror        bool `json:"mirror"`         // Flip preview horizontally (selfie view)
	Quality       int  `json:"quality"`        // Preview JPEG quality 1-100
}

// Backend names.
const (
	BackendOpenCV = "opencv"
	BackendTest   = "test"
)

// Limits for validation.
const (
	MaxWidth     = 3840
	MaxHeight    = 2160
	MaxFramerate = 120
)

// DefaultConfig returns the recommended webcam configuration:
// 640x480 capture, a 500x320 mirrored preview.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendOpenCV,
		DeviceID:  0,
		Width:     640,
		Height:    480,
		Framerate: 30,

		DisplayWidth:  500,
		DisplayHeight: 320,
		Mirror:        true,
		Quality:       80,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Backend == "" {
		errors = append(errors, "backend is required")
	}
	if c.DeviceID < 0 {
		errors = append(errors, "device_id must be >= 0")
	}

	if c.Width < 16 || c.Width > MaxWidth {
		errors = append(errors, "width must be between 16 and 3840")
	}
	if c.Height < 16 || c.Height > MaxHeight {
		errors = append(errors, "height must be between 16 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 120")
	}

	if c.DisplayWidth < 16 || c.DisplayWidth > MaxWidth {
		errors = append(errors, "display_width must be between 16 and 3840")
	}
	if c.DisplayHeight < 16 || c.DisplayHeight > MaxHeight {
		errors = append(errors, "display_height must be between 16 and 2160")
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}

	return errors
}
