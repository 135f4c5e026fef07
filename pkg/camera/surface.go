package camera

import (
	"image"
	"sync/atomic"
	"time"
)

// Frame is one image published to a Surface.
// The image is never modified after publication.
type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

// Surface is the live video buffer of a capture session.
//
// Only the owning Source writes to it; each write atomically replaces the
// current frame, so readers always observe a complete image. A Surface is
// invalidated when its session ends and never becomes valid again.
type Surface struct {
	current atomic.Pointer[Frame]
	seq     atomic.Uint64
	valid   atomic.Bool
}

func newSurface() *Surface {
	s := &Surface{}
	s.valid.Store(true)
	return s
}

// publish replaces the current frame. It reports whether this was the
// first frame of the session.
func (s *Surface) publish(img image.Image) bool {
	seq := s.seq.Add(1)
	s.current.Store(&Frame{
		Image:      img,
		Seq:        seq,
		CapturedAt: time.Now(),
	})
	return seq == 1
}

func (s *Surface) invalidate() {
	s.valid.Store(false)
}

// Snapshot returns the current frame.
// Returns ErrNotReady before the first frame or after invalidation.
func (s *Surface) Snapshot() (Frame, error) {
	if s == nil || !s.valid.Load() {
		return Frame{}, ErrNotReady
	}
	f := s.current.Load()
	if f == nil || f.Image == nil {
		return Frame{}, ErrNotReady
	}
	b := f.Image.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Frame{}, ErrNotReady
	}
	return *f, nil
}

// Ready reports whether a frame can be snapshotted.
func (s *Surface) Ready() bool {
	_, err := s.Snapshot()
	return err == nil
}

// Valid reports whether the session backing the surface is still live.
func (s *Surface) Valid() bool {
	return s != nil && s.valid.Load()
}

// Frames returns the number of frames published so far.
func (s *Surface) Frames() uint64 {
	return s.seq.Load()
}
