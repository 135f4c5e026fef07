package main

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"github.com/teslashibe/go-gesturecam/pkg/cloud"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference analysis service",
		Long: `Accepts image events on /ws and answers each with frame statistics.
Useful for exercising "gesturecam run" without a model server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.String("addr", "127.0.0.1:5000", "listen address")
	f.Float64("dark-threshold", cloud.DefaultDarkThreshold, "mean luminance below which no hand is reported")
	bindFlag(f, "addr", "cloud.addr")
	bindFlag(f, "dark-threshold", "cloud.dark_threshold")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	hub := cloud.NewHub(
		cloud.WithLogger(c.logger),
		cloud.WithAnalyzer(cloud.FrameStats{DarkThreshold: c.cfg.Cloud.DarkThreshold}),
	)

	app := fiber.New(fiber.Config{
		AppName:               "gesturecam analysis",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	hub.RegisterRoutes(app)
	hub.RegisterAPIRoutes(app.Group("/api"))

	go func() {
		<-ctx.Done()
		app.Shutdown()
	}()

	c.logger.Info("analysis service listening", "url", "ws://"+c.cfg.Cloud.Addr+"/ws")
	return app.Listen(c.cfg.Cloud.Addr)
}
