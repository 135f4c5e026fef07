package web

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-gesturecam/pkg/camera"
	"github.com/teslashibe/go-gesturecam/pkg/hub"
	"github.com/teslashibe/go-gesturecam/pkg/pipeline"
	"github.com/teslashibe/go-gesturecam/pkg/result"
)

// NoResultStatus is reported while no result has arrived.
const NoResultStatus = "no result yet"

// ResultView is the display form of the latest result.
type ResultView struct {
	Seq        uint64          `json:"seq"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data"`

	// Gesture fields, set when the payload is a hand-gesture result
	Handedness string   `json:"handedness,omitempty"`
	Gestures   []string `json:"gestures,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func newResultView(msg result.Message) ResultView {
	view := ResultView{
		Seq:        msg.Seq,
		ReceivedAt: msg.ReceivedAt,
		Data:       msg.Payload,
	}
	if g, err := msg.Gesture(); err == nil {
		view.Handedness = g.Handedness
		view.Gestures = g.Gestures()
		view.Error = g.Error
	}
	return view
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Pipeline pipeline.Stats `json:"pipeline"`
	Hubs     []hub.Stats    `json:"hubs"`
}

// handleResult returns the latest result
func (s *Server) handleResult(c *fiber.Ctx) error {
	msg, ok := s.pipeline.Store().Current()
	if !ok {
		return c.JSON(fiber.Map{"status": NoResultStatus})
	}
	return c.JSON(newResultView(msg))
}

// handleStatus returns pipeline and hub statistics
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		Pipeline: s.pipeline.Stats(),
		Hubs:     []hub.Stats{s.resultHub.Stats(), s.cameraHub.Stats()},
	})
}

// handleGetCamera returns the camera configuration
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(s.camera.GetConfigJSON())
}

// handleUpdateCamera applies a partial camera configuration.
// Display fields apply to the preview at once; capture fields on the next
// start of the source.
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid body: " + err.Error(),
		})
	}

	if err := s.camera.UpdateConfig(params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(s.camera.GetConfigJSON())
}

// handleCameraPresets lists the preset names
func (s *Server) handleCameraPresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"presets": camera.PresetNames()})
}

// handleResultWS sends the current result, then every new one.
// The client joins the hub before the snapshot is read so no result
// falls between the two.
func (s *Server) handleResultWS(c *websocket.Conn) {
	client := hub.NewClient(s.resultHub, c)
	if msg, ok := s.pipeline.Store().Current(); ok {
		if err := c.WriteJSON(newResultView(msg)); err != nil {
			s.logger.Debug("result snapshot failed", "client", client.ID(), "error", err)
		}
	}
	client.Run()
}

// handleCameraWS streams preview frames
func (s *Server) handleCameraWS(c *websocket.Conn) {
	hub.NewClient(s.cameraHub, c).Run()
}
