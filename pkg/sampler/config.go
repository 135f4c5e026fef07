package sampler

import (
	"fmt"
	"time"

	"golang.org/x/image/draw"
)

// Scaler names accepted by Config.Scaler.
const (
	ScalerNearest    = "nearest"
	ScalerBiLinear   = "bilinear"
	ScalerCatmullRom = "catmullrom"
)

// Config holds sampling configuration
type Config struct {
	// Period between firings.
	Period time.Duration `json:"period"`

	// Width and Height are the canonical frame size. Every encoded frame
	// has exactly these dimensions, whatever the device delivers.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Quality is the JPEG quality (1-100).
	Quality int `json:"quality"`

	// Scaler selects the resampling kernel.
	Scaler string `json:"scaler"`
}

// DefaultConfig returns the default sampling configuration: 640x480
// every 100ms.
func DefaultConfig() Config {
	return Config{
		Period:  100 * time.Millisecond,
		Width:   640,
		Height:  480,
		Quality: 80,
		Scaler:  ScalerBiLinear,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() []string {
	var errors []string

	if c.Period < time.Millisecond {
		errors = append(errors, fmt.Sprintf("period must be at least 1ms (got %s)", c.Period))
	}
	if c.Width < 16 || c.Width > 3840 {
		errors = append(errors, fmt.Sprintf("width must be 16-3840 (got %d)", c.Width))
	}
	if c.Height < 16 || c.Height > 2160 {
		errors = append(errors, fmt.Sprintf("height must be 16-2160 (got %d)", c.Height))
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, fmt.Sprintf("quality must be 1-100 (got %d)", c.Quality))
	}
	if scalerFor(c.Scaler) == nil {
		errors = append(errors, fmt.Sprintf("unknown scaler %q", c.Scaler))
	}

	return errors
}

func scalerFor(name string) draw.Scaler {
	switch name {
	case ScalerNearest:
		return draw.NearestNeighbor
	case ScalerBiLinear, "":
		return draw.ApproxBiLinear
	case ScalerCatmullRom:
		return draw.CatmullRom
	default:
		return nil
	}
}
