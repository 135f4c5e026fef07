package channel

import (
	"fmt"
	"net/url"
	"time"
)

// Encoding selects how frames are written to the wire.
type Encoding string

const (
	// EncodingDataURI sends {"event":"image","data":"data:image/jpeg;base64,..."}
	// as a text frame.
	EncodingDataURI Encoding = "datauri"

	// EncodingBinary sends the raw JPEG as a binary frame.
	EncodingBinary Encoding = "binary"
)

// Config holds channel configuration
type Config struct {
	// URL of the analysis service, ws:// or wss://.
	URL string `json:"url"`

	// Encoding of outbound frames.
	Encoding Encoding `json:"encoding"`

	// MailboxSize bounds the outbound queue. A full mailbox drops frames.
	MailboxSize int `json:"mailbox_size"`

	HandshakeTimeout  time.Duration `json:"handshake_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	KeepaliveInterval time.Duration `json:"keepalive_interval"`

	// PongTimeout is how long the connection may stay silent before it is
	// considered lost. Must exceed KeepaliveInterval.
	PongTimeout time.Duration `json:"pong_timeout"`

	// MaxMessageSize caps inbound messages.
	MaxMessageSize int64 `json:"max_message_size"`

	ReconnectBaseDelay time.Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `json:"reconnect_max_delay"`

	// MaxReconnectAttempts closes the channel after this many consecutive
	// failed dials. 0 retries forever.
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() Config {
	return Config{
		URL:                "ws://127.0.0.1:5000/ws",
		Encoding:           EncodingDataURI,
		MailboxSize:        2,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       2 * time.Second,
		KeepaliveInterval:  15 * time.Second,
		PongTimeout:        30 * time.Second,
		MaxMessageSize:     1 << 20,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  10 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() []string {
	var errors []string

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errors = append(errors, fmt.Sprintf("url must be a ws:// or wss:// address (got %q)", c.URL))
	}
	if c.Encoding != EncodingDataURI && c.Encoding != EncodingBinary {
		errors = append(errors, fmt.Sprintf("encoding must be %q or %q (got %q)", EncodingDataURI, EncodingBinary, c.Encoding))
	}
	if c.MailboxSize < 1 {
		errors = append(errors, fmt.Sprintf("mailbox_size must be at least 1 (got %d)", c.MailboxSize))
	}
	if c.HandshakeTimeout <= 0 || c.WriteTimeout <= 0 {
		errors = append(errors, "handshake_timeout and write_timeout must be positive")
	}
	if c.KeepaliveInterval <= 0 {
		errors = append(errors, fmt.Sprintf("keepalive_interval must be positive (got %s)", c.KeepaliveInterval))
	}
	if c.PongTimeout <= c.KeepaliveInterval {
		errors = append(errors, fmt.Sprintf("pong_timeout (%s) must exceed keepalive_interval (%s)", c.PongTimeout, c.KeepaliveInterval))
	}
	if c.MaxMessageSize <= 0 {
		errors = append(errors, "max_message_size must be positive")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errors = append(errors, fmt.Sprintf("reconnect delays invalid (base %s, max %s)", c.ReconnectBaseDelay, c.ReconnectMaxDelay))
	}
	if c.MaxReconnectAttempts < 0 {
		errors = append(errors, fmt.Sprintf("max_reconnect_attempts must be >= 0 (got %d)", c.MaxReconnectAttempts))
	}

	return errors
}

// calculateBackoff returns base * 2^(attempt-1), capped at max.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
