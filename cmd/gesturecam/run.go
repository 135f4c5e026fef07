package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/teslashibe/go-gesturecam/internal/log"
	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"github.com/teslashibe/go-gesturecam/pkg/channel"
	"github.com/teslashibe/go-gesturecam/pkg/metrics"
	"github.com/teslashibe/go-gesturecam/pkg/pipeline"
	"github.com/teslashibe/go-gesturecam/pkg/result"
	"github.com/teslashibe/go-gesturecam/pkg/web"
)

func newRunCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture, stream and display results",
		Long: `Opens the webcam, sends a 640x480 JPEG to the analysis service every
sampling period and serves the mirrored preview with the latest result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context())
		},
	}

	defaults := pipeline.DefaultConfig()
	f := cmd.Flags()
	f.String("backend", defaults.Camera.Backend, "capture backend: "+strings.Join(camera.Backends(), ", "))
	f.Int("device", defaults.Camera.DeviceID, "capture device index")
	f.String("preset", "", "camera preset: default, low, 720p, 1080p, large-preview")
	f.String("url", defaults.Channel.URL, "analysis service websocket URL")
	f.String("encoding", string(defaults.Channel.Encoding), "frame encoding: datauri or binary")
	f.Duration("period", defaults.Sampler.Period, "sampling period")
	f.String("addr", "127.0.0.1:8080", "display listen address")
	f.Bool("metrics", true, "serve Prometheus metrics on /metrics")

	bindFlag(f, "backend", "camera.backend")
	bindFlag(f, "device", "camera.device")
	bindFlag(f, "preset", "camera.preset")
	bindFlag(f, "url", "channel.url")
	bindFlag(f, "encoding", "channel.encoding")
	bindFlag(f, "period", "sampler.period")
	bindFlag(f, "addr", "web.addr")
	bindFlag(f, "metrics", "web.metrics")
	return cmd
}

func (c *cli) run(ctx context.Context) error {
	cfg := c.cfg
	logger := log.Component("run")

	device, err := camera.NewDevice(cfg.Pipeline.Camera, c.logger)
	if err != nil {
		return err
	}
	ctrl, err := pipeline.Build(cfg.Pipeline, device, c.logger)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	ctrl.Channel().OnState(func(s channel.State) {
		logger.Info("analysis link", "state", s.String())
	})
	ctrl.Store().Subscribe(func(msg result.Message) {
		logger.Debug("result", "seq", msg.Seq, "payload", string(msg.Payload))
	})

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("capture unavailable", "reason", camera.ReasonOf(err), "error", err)
		return err
	}

	manager := camera.NewManager(cfg.Pipeline.Camera)
	manager.OnConfigChange = func(cc camera.Config) error {
		logger.Info("camera config updated",
			"display", cc.DisplayWidth, "x", cc.DisplayHeight, "mirror", cc.Mirror)
		return nil
	}

	opts := []web.Option{
		web.WithLogger(c.logger),
		web.WithPreviewInterval(cfg.Web.PreviewInterval),
	}
	if cfg.Web.Metrics {
		opts = append(opts, web.WithMetrics(metrics.New(ctrl)))
	}
	srv := web.NewServer(cfg.Web.Addr, ctrl, manager, opts...)
	srv.StartAsync(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown() }()
	select {
	case err := <-shutdownDone:
		if err != nil {
			logger.Warn("display shutdown", "error", err)
		}
	case <-time.After(5 * time.Second):
		logger.Warn("display shutdown timed out")
	}

	return ctrl.Stop()
}
