package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"github.com/teslashibe/go-gesturecam/pkg/channel"
	"github.com/teslashibe/go-gesturecam/pkg/protocol"
)

// echoService answers every image event with {"frame": n, "width": w, "height": h}.
type echoService struct {
	srv      *httptest.Server
	images   atomic.Int64
	badSize  atomic.Int64
	connects atomic.Int64
}

func newEchoService(t *testing.T) *echoService {
	t.Helper()
	e := &echoService{}
	var upgrader websocket.Upgrader

	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		e.connects.Add(1)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.ParseEvent(data)
			if err != nil {
				continue
			}
			img, err := ev.ImageJPEG()
			if err != nil {
				continue
			}
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(img))
			if err != nil || cfg.Width != 640 || cfg.Height != 480 {
				e.badSize.Add(1)
			}

			n := e.images.Add(1)
			res, _ := protocol.NewResultEvent(map[string]int{"frame": int(n), "width": cfg.Width, "height": cfg.Height})
			raw, _ := res.Bytes()
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *echoService) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.Camera.Backend = camera.BackendTest
	cfg.Camera.Width = 160
	cfg.Camera.Height = 120
	cfg.Channel.URL = url
	cfg.Channel.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.Channel.ReconnectMaxDelay = 100 * time.Millisecond
	return cfg
}

func TestPermissionDenied(t *testing.T) {
	svc := newEchoService(t)

	denied := camera.NewDeviceError("test:0", camera.ReasonPermissionDenied, errors.New("denied"))
	ctrl, err := Build(testConfig(svc.url()), camera.NewSynthetic(camera.WithOpenError(denied)), nil)
	require.NoError(t, err)
	defer ctrl.Stop()

	err = ctrl.Start(context.Background())
	require.ErrorIs(t, err, camera.ErrDeviceUnavailable)
	assert.Equal(t, camera.ReasonPermissionDenied, camera.ReasonOf(err))

	time.Sleep(250 * time.Millisecond)

	assert.False(t, ctrl.Sampler().Armed(), "no sampler may be armed")
	assert.Equal(t, uint64(0), ctrl.Sampler().Stats().Fired)
	_, ok := ctrl.Store().Current()
	assert.False(t, ok, "latest result stays absent")
	assert.Equal(t, channel.StateConnecting, ctrl.Channel().State())
	assert.Equal(t, int64(0), svc.connects.Load())
}

func TestStreamsAtSamplingRate(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	svc := newEchoService(t)
	ctrl, err := Build(testConfig(svc.url()), camera.NewSynthetic(), nil)
	require.NoError(t, err)
	defer ctrl.Stop()

	require.NoError(t, ctrl.Start(context.Background()))
	require.Eventually(t, func() bool {
		return ctrl.Channel().State() == channel.StateOpen && ctrl.Sampler().Armed()
	}, 2*time.Second, 5*time.Millisecond)

	before := ctrl.Channel().Stats().Sent
	time.Sleep(time.Second)
	sent := ctrl.Channel().Stats().Sent - before

	assert.GreaterOrEqual(t, sent, uint64(9))
	assert.LessOrEqual(t, sent, uint64(11))
	assert.Equal(t, int64(0), svc.badSize.Load(), "every frame is 640x480")

	require.Eventually(t, func() bool {
		_, ok := ctrl.Store().Current()
		return ok
	}, time.Second, 5*time.Millisecond)

	// One connection delivers results in order, so the latest carries
	// the arrival count.
	require.NoError(t, ctrl.Stop())
	msg, ok := ctrl.Store().Current()
	require.True(t, ok)

	var got struct {
		Frame int `json:"frame"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, uint64(got.Frame), msg.Seq, "the latest arrival wins")
}

func TestStopHaltsEverything(t *testing.T) {
	svc := newEchoService(t)
	ctrl, err := Build(testConfig(svc.url()), camera.NewSynthetic(), nil)
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return ctrl.Sampler().Armed() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Stop())

	fired := ctrl.Sampler().Stats().Fired
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, fired, ctrl.Sampler().Stats().Fired, "no firing after stop")

	assert.False(t, ctrl.Sampler().Armed())
	assert.False(t, ctrl.Source().Running())
	assert.Equal(t, channel.StateClosed, ctrl.Channel().State())
	assert.True(t, ctrl.Store().Stats().Closed)

	assert.NoError(t, ctrl.Stop(), "Stop is idempotent")
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrStopped)
}

func TestStreamLossStopsSampler(t *testing.T) {
	svc := newEchoService(t)
	ctrl, err := Build(testConfig(svc.url()), camera.NewSynthetic(camera.WithFailAfter(10)), nil)
	require.NoError(t, err)
	defer ctrl.Stop()

	require.NoError(t, ctrl.Start(context.Background()))
	require.Eventually(t, func() bool {
		return !ctrl.Source().Running() && !ctrl.Sampler().Armed()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDoubleStart(t *testing.T) {
	svc := newEchoService(t)
	ctrl, err := Build(testConfig(svc.url()), camera.NewSynthetic(), nil)
	require.NoError(t, err)
	defer ctrl.Stop()

	require.NoError(t, ctrl.Start(context.Background()))
	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrAlreadyStarted)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://not-a-websocket")
	_, err := Build(cfg, camera.NewSynthetic(), nil)
	assert.Error(t, err)
}
