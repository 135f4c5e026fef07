package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/teslashibe/go-gesturecam/internal/config"
	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"github.com/teslashibe/go-gesturecam/pkg/channel"
	"github.com/teslashibe/go-gesturecam/pkg/hub"
	"github.com/teslashibe/go-gesturecam/pkg/pipeline"
	"github.com/teslashibe/go-gesturecam/pkg/web"
)

func TestExitCode(t *testing.T) {
	denied := camera.NewDeviceError("opencv:0", camera.ReasonPermissionDenied, errors.New("denied"))

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"device", denied, exitDevice},
		{"wrapped device", fmt.Errorf("start: %w", denied), exitDevice},
		{"other", errors.New("boom"), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	c := &cli{v: config.New()}
	cmd := newRunCmd(c)
	if err := cmd.ParseFlags([]string{"--backend", "test", "--url", "ws://10.0.0.2:5000/ws", "--period", "200ms", "--addr", "0.0.0.0:9090"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if err := c.load(cmd); err != nil {
		t.Fatalf("load: %v", err)
	}

	p := c.cfg.Pipeline
	if p.Camera.Backend != camera.BackendTest {
		t.Errorf("Backend = %q", p.Camera.Backend)
	}
	if p.Channel.URL != "ws://10.0.0.2:5000/ws" {
		t.Errorf("URL = %q", p.Channel.URL)
	}
	if p.Sampler.Period.String() != "200ms" {
		t.Errorf("Period = %s", p.Sampler.Period)
	}
	if c.cfg.Web.Addr != "0.0.0.0:9090" {
		t.Errorf("Addr = %q", c.cfg.Web.Addr)
	}
}

func TestServeFlagsBindCloudKeys(t *testing.T) {
	c := &cli{v: config.New()}
	cmd := newServeCmd(c)
	if err := cmd.ParseFlags([]string{"--addr", "0.0.0.0:7000"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if err := c.load(cmd); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.cfg.Cloud.Addr != "0.0.0.0:7000" {
		t.Errorf("Cloud.Addr = %q", c.cfg.Cloud.Addr)
	}
	if c.cfg.Web.Addr != "127.0.0.1:8080" {
		t.Errorf("Web.Addr = %q, want default", c.cfg.Web.Addr)
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, web.StatusResponse{
		Pipeline: pipeline.Stats{
			Source:  camera.SourceStats{Playing: true, FramesRead: 42},
			Channel: channel.Stats{State: channel.StateReconnecting.String(), DroppedState: 3, DroppedFull: 1},
		},
		Hubs: []hub.Stats{{Name: "camera", Clients: 2}},
	})

	out := buf.String()
	for _, want := range []string{"playing=true", "frames=42", "state=reconnecting", "dropped=4", "display/camera", "clients=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
