package bus

import (
	"github.com/loqalabs/loqa-transcriber/internal/events"
	"github.com/loqalabs/loqa-transcriber/internal/protocol"
)

// EventMirror republishes every event on <prefix>.events.<kind> with the same
// JSON body written to stdout.
type EventMirror struct {
	client   *Client
	subjects protocol.Subjects
}

func NewEventMirror(client *Client, subjects protocol.Subjects) *EventMirror {
	return &EventMirror{client: client, subjects: subjects}
}

func (m *EventMirror) Emit(evt events.Event) error {
	if !m.client.Healthy() {
		return nil
	}
	return m.client.PublishJSON(m.subjects.Event(string(evt.Kind)), evt)
}
