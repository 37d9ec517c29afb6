package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrDisconnected is reported when a stream ends without a completion marker.
var ErrDisconnected = errors.New("stream disconnected before completion")

// EventType tags stream events.
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent is one item of a streaming response. Complete events may carry
// the full final text in Data, which supersedes the chunks seen so far.
type StreamEvent struct {
	RequestID string
	Type      EventType
	Data      string
	Err       error
}

// Stream is a cancellable sequence of events. Events is closed by the
// producer once it stops, including after Cancel.
type Stream struct {
	RequestID string
	Events    <-chan StreamEvent

	cancel context.CancelFunc
	once   sync.Once
}

// Cancel closes the underlying transport. It is safe to call repeatedly.
func (s *Stream) Cancel() {
	s.once.Do(s.cancel)
}

// Emitter sends one event to the consumer. It returns false once the stream
// has been cancelled and the producer should stop.
type Emitter func(StreamEvent) bool

// NewStream runs produce in its own goroutine and exposes its events. The
// request id is stamped onto every event.
func NewStream(ctx context.Context, produce func(ctx context.Context, emit Emitter)) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan StreamEvent, 16)
	id := uuid.NewString()

	s := &Stream{RequestID: id, Events: events, cancel: cancel}

	go func() {
		defer close(events)
		defer cancel()
		produce(ctx, func(ev StreamEvent) bool {
			ev.RequestID = id
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return s
}
