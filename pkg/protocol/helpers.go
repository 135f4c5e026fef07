package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// JPEGMediaType is the media type of every encoded frame.
	JPEGMediaType = "image/jpeg"

	// SessionHeader carries the client session id on every handshake.
	SessionHeader = "X-Session-ID"
)

// ErrInvalidDataURI is returned when a frame payload is not a base64 data URI.
var ErrInvalidDataURI = errors.New("protocol: invalid data uri")

// =============================================================================
// Data URIs
// =============================================================================

// EncodeDataURI wraps JPEG bytes as "data:image/jpeg;base64,<payload>".
func EncodeDataURI(jpegData []byte) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(JPEGMediaType) + base64.StdEncoding.EncodedLen(len(jpegData)))
	b.WriteString("data:")
	b.WriteString(JPEGMediaType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(jpegData))
	return b.String()
}

// DecodeDataURI returns the media type and decoded bytes of a base64 data URI.
func DecodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: scheme", ErrInvalidDataURI)
	}

	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURI)
	}

	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURI)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return mediaType, data, nil
}

// =============================================================================
// Helper functions for creating events
// =============================================================================

// NewImageEvent creates an image event from raw JPEG data
func NewImageEvent(jpegData []byte) (*Event, error) {
	return NewEvent(EventImage, EncodeDataURI(jpegData))
}

// NewResultEvent creates a result event. data is marshalled as-is.
func NewResultEvent(data interface{}) (*Event, error) {
	return NewEvent(EventResult, data)
}

// ImageJPEG extracts the JPEG bytes from an image event
func (e *Event) ImageJPEG() ([]byte, error) {
	if e.Event != EventImage {
		return nil, fmt.Errorf("protocol: expected %s event, got %s", EventImage, e.Event)
	}

	var uri string
	if err := e.ParseData(&uri); err != nil {
		return nil, fmt.Errorf("protocol: image data: %w", err)
	}

	mediaType, data, err := DecodeDataURI(uri)
	if err != nil {
		return nil, err
	}
	if mediaType != JPEGMediaType {
		return nil, fmt.Errorf("%w: unexpected media type %q", ErrInvalidDataURI, mediaType)
	}
	return data, nil
}
