package web

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"time"

	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// previewLoop pushes the current frame to camera clients until ctx ends.
// Nothing is rendered while no client is watching.
func (s *Server) previewLoop(ctx context.Context) {
	ticker := time.NewTicker(s.previewInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.cameraHub.ClientCount() == 0 {
			continue
		}
		frame, err := s.pipeline.Source().Surface().Snapshot()
		if err != nil || frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq

		data, err := RenderPreview(frame.Image, s.camera.GetConfig())
		if err != nil {
			s.logger.Debug("render preview failed", "error", err)
			continue
		}
		s.cameraHub.BroadcastBinary(data)
	}
}

// RenderPreview scales src to the display size, mirrors it when
// configured and encodes it as JPEG.
func RenderPreview(src image.Image, cfg camera.Config) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, cfg.DisplayWidth, cfg.DisplayHeight))
	sb := src.Bounds()

	sx := float64(cfg.DisplayWidth) / float64(sb.Dx())
	sy := float64(cfg.DisplayHeight) / float64(sb.Dy())

	// Source to destination affine transform.
	s2d := f64.Aff3{
		sx, 0, -sx * float64(sb.Min.X),
		0, sy, -sy * float64(sb.Min.Y),
	}
	if cfg.Mirror {
		s2d[0] = -sx
		s2d[2] = float64(cfg.DisplayWidth) + sx*float64(sb.Min.X)
	}
	draw.ApproxBiLinear.Transform(dst, s2d, src, sb, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: cfg.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
