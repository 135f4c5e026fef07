package cloud

import (
	"image"
	"image/color"

	"github.com/teslashibe/go-gesturecam/pkg/protocol"
)

// Analyzer turns one decoded frame into a result body.
// raw is the JPEG the frame was decoded from.
type Analyzer interface {
	Analyze(img image.Image, raw []byte) interface{}
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(img image.Image, raw []byte) interface{}

// Analyze calls f.
func (f AnalyzerFunc) Analyze(img image.Image, raw []byte) interface{} {
	return f(img, raw)
}

// DefaultDarkThreshold is the mean luminance below which FrameStats
// reports that nothing is in view.
const DefaultDarkThreshold = 8.0

// FrameStats reports frame dimensions and mean luminance.
type FrameStats struct {
	// DarkThreshold marks frames too dark to contain a hand.
	DarkThreshold float64
}

// Analyze implements Analyzer.
func (f FrameStats) Analyze(img image.Image, raw []byte) interface{} {
	if img == nil {
		return protocol.FrameStatsResult{Bytes: len(raw), Error: protocol.ErrTextNoHand}
	}
	b := img.Bounds()
	res := protocol.FrameStatsResult{
		Width:         b.Dx(),
		Height:        b.Dy(),
		MeanLuminance: MeanLuminance(img),
		Bytes:         len(raw),
	}
	if res.Width == 0 || res.Height == 0 || res.MeanLuminance < f.DarkThreshold {
		res.Error = protocol.ErrTextNoHand
	}
	return res
}

// MeanLuminance returns the average luma of img on a 0-255 scale.
func MeanLuminance(img image.Image) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}

	var sum uint64
	switch m := img.(type) {
	case *image.YCbCr:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Y[m.YOffset(b.Min.X, y) : m.YOffset(b.Max.X-1, y)+1]
			for _, v := range row {
				sum += uint64(v)
			}
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := m.PixOffset(b.Min.X, y)
			for _, v := range m.Pix[off : off+b.Dx()] {
				sum += uint64(v)
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				sum += uint64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
			}
		}
	}
	return float64(sum) / float64(n)
}
