package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendTest
	cfg.Width = 64
	cfg.Height = 48
	cfg.Framerate = 60
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSourceStartPlayingStop(t *testing.T) {
	src, err := NewSource(NewSynthetic(), testConfig(), nil)
	if err != nil {
		t.Fatalf("NewSource error: %v", err)
	}

	playing := make(chan *Surface, 1)
	src.OnPlaying(func(s *Surface) { playing <- s })

	var invalidated atomic.Bool
	src.OnInvalidated(func(error) { invalidated.Store(true) })

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var surface *Surface
	select {
	case surface = <-playing:
	case <-time.After(time.Second):
		t.Fatal("OnPlaying never fired")
	}

	frame, err := surface.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if b := frame.Image.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("frame = %dx%d, want 64x48", b.Dx(), b.Dy())
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	if !invalidated.Load() {
		t.Error("OnInvalidated should fire on Stop")
	}
	if surface.Valid() {
		t.Error("surface should be invalid after Stop")
	}
	if _, err := surface.Snapshot(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Snapshot after Stop = %v, want ErrNotReady", err)
	}
	if src.Surface() != nil {
		t.Error("no surface should be bound after Stop")
	}

	// Stop is idempotent.
	if err := src.Stop(); err != nil {
		t.Errorf("second Stop error: %v", err)
	}
}

func TestSourcePermissionDenied(t *testing.T) {
	denied := NewDeviceError("test:0", ReasonPermissionDenied, fmt.Errorf("user said no"))
	src, _ := NewSource(NewSynthetic(WithOpenError(denied)), testConfig(), nil)

	var played atomic.Bool
	src.OnPlaying(func(*Surface) { played.Store(true) })

	err := src.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start error = %v, want ErrDeviceUnavailable", err)
	}
	if ReasonOf(err) != ReasonPermissionDenied {
		t.Errorf("reason = %s, want %s", ReasonOf(err), ReasonPermissionDenied)
	}
	if src.Surface() != nil {
		t.Error("no surface should be bound after a failed Start")
	}
	if src.Running() {
		t.Error("source should not be running")
	}

	time.Sleep(50 * time.Millisecond)
	if played.Load() {
		t.Error("OnPlaying must not fire when the device is unavailable")
	}
}

func TestSourceWrapsPlainOpenErrors(t *testing.T) {
	src, _ := NewSource(NewSynthetic(WithOpenError(io.ErrUnexpectedEOF)), testConfig(), nil)

	err := src.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("plain open error should be reported as ErrDeviceUnavailable, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("underlying error should stay reachable")
	}
}

func TestSourceNotPlayingBeforeFirstFrame(t *testing.T) {
	gate := make(chan struct{})
	src, _ := NewSource(NewSynthetic(WithStartGate(gate)), testConfig(), nil)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer src.Stop()

	surface := src.Surface()
	if surface == nil {
		t.Fatal("surface should be bound after Start")
	}
	if surface.Ready() {
		t.Error("surface must not be ready before the first frame")
	}
	if _, err := surface.Snapshot(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Snapshot = %v, want ErrNotReady", err)
	}

	close(gate)
	waitFor(t, time.Second, surface.Ready)
}

func TestSourceStreamLostInvalidates(t *testing.T) {
	src, _ := NewSource(NewSynthetic(WithFailAfter(3)), testConfig(), nil)

	lost := make(chan error, 1)
	src.OnInvalidated(func(err error) { lost <- err })

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	select {
	case err := <-lost:
		if !errors.Is(err, io.EOF) {
			t.Errorf("invalidation cause = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnInvalidated never fired")
	}

	waitFor(t, time.Second, func() bool { return !src.Running() })
}

func TestSourceRestart(t *testing.T) {
	dev := NewSynthetic()
	src, _ := NewSource(dev, testConfig(), nil)

	for i := 0; i < 2; i++ {
		if err := src.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d error: %v", i, err)
		}
		waitFor(t, time.Second, func() bool { return src.Surface() != nil && src.Surface().Ready() })
		if err := src.Stop(); err != nil {
			t.Fatalf("Stop #%d error: %v", i, err)
		}
	}

	if dev.Opens() != 2 {
		t.Errorf("Opens = %d, want 2", dev.Opens())
	}
	if got := src.Stats().Sessions; got != 2 {
		t.Errorf("Sessions = %d, want 2", got)
	}
}

func TestOnPlayingAfterTransitionFiresImmediately(t *testing.T) {
	src, _ := NewSource(NewSynthetic(), testConfig(), nil)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer src.Stop()

	waitFor(t, time.Second, func() bool { return src.Stats().Playing })

	var fired atomic.Bool
	cancel := src.OnPlaying(func(*Surface) { fired.Store(true) })
	defer cancel()

	if !fired.Load() {
		t.Error("late OnPlaying registration should fire immediately")
	}
}

func TestNewDeviceRegistry(t *testing.T) {
	dev, err := NewDevice(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewDevice(test) error: %v", err)
	}
	if dev.Name() != BackendTest {
		t.Errorf("Name = %s, want %s", dev.Name(), BackendTest)
	}

	cfg := testConfig()
	cfg.Backend = "does-not-exist"
	if _, err := NewDevice(cfg, nil); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("NewDevice(unknown) = %v, want ErrUnknownBackend", err)
	}
}
