package live

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names on the live channel.
const (
	EventOnlineUsers    = "getOnlineUsers"
	EventNewMessage     = "newMessage"
	EventNewMessageSent = "newMessageSent"
	EventError          = "error"
)

// ErrDeliveryFailed is returned by a LiveSink that could not accept an event
// (closed connection, full outbound queue). It is logged, never surfaced to
// the sender of a message.
var ErrDeliveryFailed = errors.New("live delivery failed")

// LiveSink is anything that can receive server-pushed events: a websocket
// connection in production, a recorder in tests. Push must not block.
type LiveSink interface {
	Push(ev *Event) error
}

// Event is one frame on the live channel. The wire form is
// {"event": <name>, "data": <payload>} and is encoded once at construction so
// fan-out to many sinks shares the same bytes.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`

	frame []byte
}

func NewEvent(name string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	ev := &Event{Name: name, Data: data}
	if ev.frame, err = json.Marshal(ev); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", name, err)
	}
	return ev, nil
}

// ParseEvent decodes a frame received from the wire or from another gateway.
func ParseEvent(frame []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if ev.Name == "" {
		return nil, errors.New("decode frame: missing event name")
	}
	ev.frame = append([]byte(nil), frame...)
	return &ev, nil
}

// Frame returns the encoded wire bytes. Callers must not modify them.
func (e *Event) Frame() []byte {
	return e.frame
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
