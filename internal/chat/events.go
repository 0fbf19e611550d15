// Package chat contains the generation pipeline and the streaming event
// protocol it speaks to clients.
package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/privateai/localchat/internal/store"
)

// EventType discriminates the streaming protocol's event sum.
type EventType string

const (
	EventSession     EventType = "session"
	EventUserMessage EventType = "user-message"
	EventToken       EventType = "token"
	EventDone        EventType = "done"
	EventAborted     EventType = "aborted"
	EventError       EventType = "error"
)

// Event is one element of the ordered stream delivered to a client. Exactly
// one of Done, Aborted or Error terminates a request's stream.
type Event interface {
	Type() EventType
}

// SessionEvent is emitted once, first, before any engine work.
type SessionEvent struct {
	SessionID string        `json:"sessionId"`
	IsNew     bool          `json:"isNew"`
	Summary   store.Summary `json:"summary"`
}

func (SessionEvent) Type() EventType { return EventSession }

// UserMessageEvent echoes the persisted user message.
type UserMessageEvent struct {
	Message store.Message `json:"message"`
}

func (UserMessageEvent) Type() EventType { return EventUserMessage }

// TokenEvent carries one raw generated fragment, not the cumulative text.
type TokenEvent struct {
	Chunk string `json:"chunk"`
}

func (TokenEvent) Type() EventType { return EventToken }

// DoneEvent terminates a successful generation.
type DoneEvent struct {
	Message      store.Message `json:"message"`
	Conversation store.Summary `json:"conversation"`
}

func (DoneEvent) Type() EventType { return EventDone }

// AbortedEvent terminates a cancelled generation; Message holds the partial
// content the client already saw.
type AbortedEvent struct {
	Message      store.Message `json:"message"`
	Conversation store.Summary `json:"conversation"`
}

func (AbortedEvent) Type() EventType { return EventAborted }

// ErrorEvent terminates a failed generation with a human-readable reason.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Type() EventType { return EventError }

// EncodeEvent serializes an event as a single JSON object carrying its type
// tag.
func EncodeEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}
	// Splice the discriminator into the object without a per-type wrapper.
	tagged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &tagged); err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}
	typeTag, _ := json.Marshal(event.Type())
	tagged["type"] = typeTag
	return json.Marshal(tagged)
}

// DecodeEvent parses one protocol line back into its concrete event type.
func DecodeEvent(data []byte) (Event, error) {
	var probe struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var event Event
	var err error
	switch probe.Type {
	case EventSession:
		var e SessionEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventUserMessage:
		var e UserMessageEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventToken:
		var e TokenEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventDone:
		var e DoneEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventAborted:
		var e AbortedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventError:
		var e ErrorEvent
		err = json.Unmarshal(data, &e)
		event = e
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", probe.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", probe.Type, err)
	}
	return event, nil
}

// Emitter delivers events, in order, to one client.
type Emitter interface {
	Emit(event Event) error
}

// StreamEncoder writes newline-delimited JSON events to a writer. Writes are
// serialized; each event is flushed immediately when the writer supports it.
type StreamEncoder struct {
	mu      sync.Mutex
	w       io.Writer
	started bool
}

// NewStreamEncoder creates an encoder over w. If w implements
// http.Flusher-style Flush(), wrap it before passing it in; the encoder only
// writes.
func NewStreamEncoder(w io.Writer) *StreamEncoder {
	return &StreamEncoder{w: w}
}

// Emit writes one event as a single line.
func (e *StreamEncoder) Emit(event Event) error {
	data, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s event: %w", event.Type(), err)
	}
	return nil
}

// Started reports whether any event has been written, i.e. whether the
// response is already committed to the stream format.
func (e *StreamEncoder) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}
