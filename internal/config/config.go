// Package config loads gesturecam configuration from defaults, an optional
// gesturecam.yaml, GESTURECAM_* environment variables and command flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"github.com/teslashibe/go-gesturecam/pkg/channel"
	"github.com/teslashibe/go-gesturecam/pkg/pipeline"
)

// EnvPrefix prefixes every environment variable, e.g. GESTURECAM_CHANNEL_URL.
const EnvPrefix = "GESTURECAM"

// Config is the full configuration of a gesturecam process.
type Config struct {
	Pipeline pipeline.Config
	Web      WebConfig
	Cloud    CloudConfig
	Log      LogConfig
}

// WebConfig configures the local display.
type WebConfig struct {
	Addr            string
	PreviewInterval time.Duration
	Metrics         bool
}

// CloudConfig configures the reference analysis endpoint.
type CloudConfig struct {
	Addr          string
	DarkThreshold float64
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Format string
}

// New returns a viper instance with every default set and environment
// lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gesturecam")
	v.SetConfigType("yaml")
	for _, path := range []string{".", "$HOME/.gesturecam", "/etc/gesturecam"} {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	return v
}

// SetDefaults registers the package defaults under their keys.
func SetDefaults(v *viper.Viper) {
	p := pipeline.DefaultConfig()

	v.SetDefault("camera.backend", p.Camera.Backend)
	v.SetDefault("camera.device", p.Camera.DeviceID)
	v.SetDefault("camera.preset", "")
	v.SetDefault("camera.width", p.Camera.Width)
	v.SetDefault("camera.height", p.Camera.Height)
	v.SetDefault("camera.framerate", p.Camera.Framerate)

	v.SetDefault("display.width", p.Camera.DisplayWidth)
	v.SetDefault("display.height", p.Camera.DisplayHeight)
	v.SetDefault("display.mirror", p.Camera.Mirror)
	v.SetDefault("display.quality", p.Camera.Quality)

	v.SetDefault("sampler.period", p.Sampler.Period)
	v.SetDefault("sampler.width", p.Sampler.Width)
	v.SetDefault("sampler.height", p.Sampler.Height)
	v.SetDefault("sampler.quality", p.Sampler.Quality)
	v.SetDefault("sampler.scaler", p.Sampler.Scaler)

	v.SetDefault("channel.url", p.Channel.URL)
	v.SetDefault("channel.encoding", string(p.Channel.Encoding))
	v.SetDefault("channel.mailbox", p.Channel.MailboxSize)
	v.SetDefault("channel.handshake_timeout", p.Channel.HandshakeTimeout)
	v.SetDefault("channel.write_timeout", p.Channel.WriteTimeout)
	v.SetDefault("channel.keepalive", p.Channel.KeepaliveInterval)
	v.SetDefault("channel.pong_timeout", p.Channel.PongTimeout)
	v.SetDefault("channel.max_message_size", p.Channel.MaxMessageSize)
	v.SetDefault("channel.reconnect_base", p.Channel.ReconnectBaseDelay)
	v.SetDefault("channel.reconnect_max", p.Channel.ReconnectMaxDelay)
	v.SetDefault("channel.max_attempts", p.Channel.MaxReconnectAttempts)

	v.SetDefault("web.addr", "127.0.0.1:8080")
	v.SetDefault("web.preview_interval", 100*time.Millisecond)
	v.SetDefault("web.metrics", true)

	v.SetDefault("cloud.addr", "127.0.0.1:5000")
	v.SetDefault("cloud.dark_threshold", 8.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
}

// ReadFile reads the config file named by path, or searches the default
// locations when path is empty. A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}

// Load builds a validated Config from v.
func Load(v *viper.Viper) (Config, error) {
	cam := camera.DefaultConfig()
	if name := v.GetString("camera.preset"); name != "" {
		preset := camera.GetPreset(name)
		if preset == nil {
			return Config{}, fmt.Errorf("config: unknown camera preset %q (have %s)",
				name, strings.Join(camera.PresetNames(), ", "))
		}
		cam = *preset
	} else {
		cam.Width = v.GetInt("camera.width")
		cam.Height = v.GetInt("camera.height")
		cam.Framerate = v.GetInt("camera.framerate")
		cam.DisplayWidth = v.GetInt("display.width")
		cam.DisplayHeight = v.GetInt("display.height")
		cam.Quality = v.GetInt("display.quality")
	}
	cam.Backend = v.GetString("camera.backend")
	cam.DeviceID = v.GetInt("camera.device")
	cam.Mirror = v.GetBool("display.mirror")

	p := pipeline.DefaultConfig()
	p.Camera = cam

	p.Sampler.Period = v.GetDuration("sampler.period")
	p.Sampler.Width = v.GetInt("sampler.width")
	p.Sampler.Height = v.GetInt("sampler.height")
	p.Sampler.Quality = v.GetInt("sampler.quality")
	p.Sampler.Scaler = v.GetString("sampler.scaler")

	p.Channel.URL = v.GetString("channel.url")
	p.Channel.Encoding = channel.Encoding(v.GetString("channel.encoding"))
	p.Channel.MailboxSize = v.GetInt("channel.mailbox")
	p.Channel.HandshakeTimeout = v.GetDuration("channel.handshake_timeout")
	p.Channel.WriteTimeout = v.GetDuration("channel.write_timeout")
	p.Channel.KeepaliveInterval = v.GetDuration("channel.keepalive")
	p.Channel.PongTimeout = v.GetDuration("channel.pong_timeout")
	p.Channel.MaxMessageSize = v.GetInt64("channel.max_message_size")
	p.Channel.ReconnectBaseDelay = v.GetDuration("channel.reconnect_base")
	p.Channel.ReconnectMaxDelay = v.GetDuration("channel.reconnect_max")
	p.Channel.MaxReconnectAttempts = v.GetInt("channel.max_attempts")

	if errs := p.Validate(); len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	return Config{
		Pipeline: p,
		Web: WebConfig{
			Addr:            v.GetString("web.addr"),
			PreviewInterval: v.GetDuration("web.preview_interval"),
			Metrics:         v.GetBool("web.metrics"),
		},
		Cloud: CloudConfig{
			Addr:          v.GetString("cloud.addr"),
			DarkThreshold: v.GetFloat64("cloud.dark_threshold"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}, nil
}
