// Package result holds the most recent analysis result.
//
// Results are keyed only by arrival order: the last one to arrive wins,
// whatever frame it was computed from. Readers always observe a complete
// message; the latest value is swapped atomically and never mutated.
package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-gesturecam/pkg/protocol"
)

// Message is one result as received from the analysis service.
type Message struct {
	// Seq is the arrival sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// ReceivedAt is when the store accepted the message.
	ReceivedAt time.Time `json:"received_at"`

	// Payload is the opaque result body.
	Payload json.RawMessage `json:"payload"`
}

// Gesture decodes the payload as a hand-gesture result.
func (m Message) Gesture() (protocol.GestureResult, error) {
	var g protocol.GestureResult
	if err := json.Unmarshal(m.Payload, &g); err != nil {
		return protocol.GestureResult{}, fmt.Errorf("result: decode gesture: %w", err)
	}
	return g, nil
}

// Store keeps the latest result.
type Store struct {
	logger *slog.Logger

	latest atomic.Pointer[Message]
	seq    atomic.Uint64
	closed atomic.Bool

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(Message)

	ignored atomic.Uint64
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger.With("component", "result.store"),
		subs:   make(map[uint64]func(Message)),
	}
}

// OnResult replaces the latest result unconditionally. The payload is
// copied, so callers may reuse their buffer. Calls after Close are ignored.
func (s *Store) OnResult(payload []byte) {
	if s.closed.Load() {
		s.ignored.Add(1)
		return
	}

	msg := &Message{
		Seq:        s.seq.Add(1),
		ReceivedAt: time.Now(),
		Payload:    append(json.RawMessage(nil), payload...),
	}
	s.latest.Store(msg)

	s.mu.Lock()
	subs := make([]func(Message), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(msg.clone())
	}
}

// clone gives the caller a payload it may modify. The stored value is
// only ever replaced, never written.
func (m *Message) clone() Message {
	c := *m
	c.Payload = bytes.Clone(m.Payload)
	return c
}

// Current returns the latest result, if any.
func (s *Store) Current() (Message, bool) {
	msg := s.latest.Load()
	if msg == nil {
		return Message{}, false
	}
	return msg.clone(), true
}

// Subscribe registers fn to be called after each replacement.
// fn runs on the goroutine that delivered the result and must not block.
func (s *Store) Subscribe(fn func(Message)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Close stops accepting results. The latest result stays readable.
func (s *Store) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	s.subs = make(map[uint64]func(Message))
	s.mu.Unlock()

	s.logger.Debug("result store closed", "results", s.seq.Load())
}

// Stats contains store statistics.
type Stats struct {
	Results uint64 `json:"results"`
	Ignored uint64 `json:"ignored"`
	Closed  bool   `json:"closed"`
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Results: s.seq.Load(),
		Ignored: s.ignored.Load(),
		Closed:  s.closed.Load(),
	}
}
