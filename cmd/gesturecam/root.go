package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/teslashibe/go-gesturecam/internal/config"
	"github.com/teslashibe/go-gesturecam/internal/log"
)

// configKeyAnnotation marks a flag with the config key it overrides.
const configKeyAnnotation = "gesturecam/config-key"

// Version is the application version.
const Version = "0.1.0"

// cli carries state shared by the subcommands.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "gesturecam",
		Short:         "Stream webcam frames to a gesture analysis service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "config file (default: ./gesturecam.yaml, $HOME/.gesturecam, /etc/gesturecam)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json (default text, json when GO_ENV=production)")
	bindFlag(pf, "log-level", "log.level")
	bindFlag(pf, "log-format", "log.format")

	root.AddCommand(newRunCmd(c), newServeCmd(c), newStatusCmd(c))
	return root
}

// bindFlag records that flag name overrides config key.
func bindFlag(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

// load binds the running command's flags, reads the config file and
// initializes logging.
func (c *cli) load(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[configKeyAnnotation]; ok && bindErr == nil {
			bindErr = c.v.BindPFlag(keys[0], f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	if err := config.ReadFile(c.v, c.configFile); err != nil {
		return err
	}
	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg

	log.Init(cfg.Log.Level, cfg.Log.Format)
	c.logger = log.L()
	if used := c.v.ConfigFileUsed(); used != "" {
		c.logger.Debug("config loaded", "file", used)
	}
	return nil
}
