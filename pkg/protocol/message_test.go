package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNewEvent(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		data      interface{}
		wantErr   bool
	}{
		{
			name:      "image event",
			eventType: EventImage,
			data:      "data:image/jpeg;base64,AAAA",
		},
		{
			name:      "result event",
			eventType: EventResult,
			data:      GestureResult{Handedness: "Right", VictorySign: true},
		},
		{
			name:      "nil data",
			eventType: EventResult,
			data:      nil,
		},
		{
			name:      "unmarshalable data",
			eventType: EventResult,
			data:      make(chan int),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := NewEvent(tt.eventType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if ev.Event != tt.eventType {
				t.Errorf("NewEvent() event = %v, want %v", ev.Event, tt.eventType)
			}
			if ev.Timestamp == 0 {
				t.Error("NewEvent() timestamp should be set")
			}
		})
	}
}

func TestImageEventWireFormat(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}

	ev, err := NewImageEvent(jpeg)
	if err != nil {
		t.Fatalf("NewImageEvent() error = %v", err)
	}
	raw, err := ev.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("wire format is not JSON: %v", err)
	}
	if wire["event"] != "image" {
		t.Errorf("event = %v, want image", wire["event"])
	}
	data, _ := wire["data"].(string)
	if !strings.HasPrefix(data, "data:image/jpeg;base64,") {
		t.Errorf("data = %q, want a JPEG data URI", data)
	}

	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	got, err := parsed.ImageJPEG()
	if err != nil {
		t.Fatalf("ImageJPEG() error = %v", err)
	}
	if !bytes.Equal(got, jpeg) {
		t.Errorf("ImageJPEG() = %x, want %x", got, jpeg)
	}
}

func TestImageJPEGRejectsResult(t *testing.T) {
	ev, _ := NewResultEvent(map[string]string{"error": ErrTextNoHand})
	if _, err := ev.ImageJPEG(); err == nil {
		t.Error("ImageJPEG() on a result event should fail")
	}
}

func TestDecodeDataURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantType  string
		wantBytes []byte
		wantErr   bool
	}{
		{"jpeg", "data:image/jpeg;base64,aGVsbG8=", "image/jpeg", []byte("hello"), false},
		{"png", "data:image/png;base64,aGk=", "image/png", []byte("hi"), false},
		{"empty payload", "data:image/jpeg;base64,", "image/jpeg", []byte{}, false},
		{"no scheme", "image/jpeg;base64,aGk=", "", nil, true},
		{"no comma", "data:image/jpeg;base64", "", nil, true},
		{"not base64", "data:text/plain,hi", "", nil, true},
		{"bad payload", "data:image/jpeg;base64,!!!", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mediaType, data, err := DecodeDataURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeDataURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDataURI) {
					t.Errorf("error %v should wrap ErrInvalidDataURI", err)
				}
				return
			}
			if mediaType != tt.wantType {
				t.Errorf("media type = %q, want %q", mediaType, tt.wantType)
			}
			if !bytes.Equal(data, tt.wantBytes) {
				t.Errorf("data = %q, want %q", data, tt.wantBytes)
			}
		})
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    EventType
		wantErr bool
	}{
		{"result", `{"event":"result","data":{"handedness":"Right"}}`, EventResult, false},
		{"result with scalar", `{"event":"result","data":42}`, EventResult, false},
		{"unknown event kept", `{"event":"pong"}`, EventType("pong"), false},
		{"missing event", `{"data":{}}`, "", true},
		{"not json", `hello`, "", true},
		{"empty", ``, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && ev.Event != tt.want {
				t.Errorf("event = %q, want %q", ev.Event, tt.want)
			}
		})
	}
}

func TestParseDataEmpty(t *testing.T) {
	ev := &Event{Event: EventResult}
	var v interface{}
	if err := ev.ParseData(&v); !errors.Is(err, ErrEmptyData) {
		t.Errorf("ParseData() = %v, want ErrEmptyData", err)
	}
}

func TestGestureResult(t *testing.T) {
	raw := `{
		"handedness": "Right",
		"is_all_fingers_open": false,
		"is_victory_sign": true,
		"is_index_finger_up": false,
		"is_thumb_left": true,
		"is_pinky_up": false
	}`

	var g GestureResult
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if !g.Detected() {
		t.Error("Detected() should be true")
	}
	if got, want := g.Gestures(), []string{"victory_sign", "thumb_left"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Gestures() = %v, want %v", got, want)
	}

	var miss GestureResult
	if err := json.Unmarshal([]byte(`{"error":"Right hand not detected"}`), &miss); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if miss.Detected() {
		t.Error("Detected() should be false for an error result")
	}
	if miss.Error != ErrTextNoRightHand {
		t.Errorf("Error = %q, want %q", miss.Error, ErrTextNoRightHand)
	}
}
