// Command gesturecam streams webcam frames to a remote analysis service and
// shows the latest result alongside a mirrored preview.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-gesturecam/pkg/camera"
	_ "github.com/teslashibe/go-gesturecam/pkg/camera/cvdevice"
)

// Exit codes.
const (
	exitError  = 1
	exitDevice = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, camera.ErrDeviceUnavailable) {
		return exitDevice
	}
	return exitError
}
