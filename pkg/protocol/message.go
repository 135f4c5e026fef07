// Package protocol defines the websocket events exchanged between the
// capture client and the remote analysis service.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the type of websocket event
type EventType string

const (
	// Client → Service
	EventImage EventType = "image" // Encoded frame, data URI

	// Service → Client
	EventResult EventType = "result" // Analysis result, opaque JSON
)

// ErrEmptyData is returned when an event carries no data.
var ErrEmptyData = errors.New("protocol: event has no data")

// Event is the envelope for every text message on the channel
type Event struct {
	Event     EventType       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, data interface{}) (*Event, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	return &Event{
		Event:     eventType,
		Data:      rawData,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ParseData unmarshals the event data into the provided value
func (e *Event) ParseData(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrEmptyData
	}
	return json.Unmarshal(e.Data, v)
}

// Bytes returns the JSON-encoded event
func (e *Event) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent parses a JSON event from bytes
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("failed to parse event: missing event name")
	}
	return &ev, nil
}

// =============================================================================
// Result payloads
// =============================================================================

// GestureResult is the result shape produced by the hand-gesture service.
// The channel treats results as opaque; this view exists for display.
type GestureResult struct {
	Handedness     string `json:"handedness,omitempty"`
	AllFingersOpen bool   `json:"is_all_fingers_open,omitempty"`
	VictorySign    bool   `json:"is_victory_sign,omitempty"`
	IndexFingerUp  bool   `json:"is_index_finger_up,omitempty"`
	ThumbLeft      bool   `json:"is_thumb_left,omitempty"`
	PinkyUp        bool   `json:"is_pinky_up,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Error texts used by the service when no usable hand is in view.
const (
	ErrTextNoHand      = "No hand detected"
	ErrTextNoRightHand = "Right hand not detected"
)

// Detected reports whether the result describes a hand.
func (g GestureResult) Detected() bool {
	return g.Error == "" && g.Handedness != ""
}

// Gestures returns the names of the gestures that are set.
func (g GestureResult) Gestures() []string {
	var names []string
	if g.AllFingersOpen {
		names = append(names, "all_fingers_open")
	}
	if g.VictorySign {
		names = append(names, "victory_sign")
	}
	if g.IndexFingerUp {
		names = append(names, "index_finger_up")
	}
	if g.ThumbLeft {
		names = append(names, "thumb_left")
	}
	if g.PinkyUp {
		names = append(names, "pinky_up")
	}
	return names
}

// FrameStatsResult is produced by the reference analysis endpoint.
type FrameStatsResult struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	MeanLuminance float64 `json:"mean_luminance"`
	Bytes         int     `json:"bytes"`
	Error         string  `json:"error,omitempty"`
}
