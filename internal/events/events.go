// Package events defines the typed events the transcriber emits to its host
// and the sinks that serialize them.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the event union.
type Kind string

const (
	KindStatus  Kind = "status"
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindError   Kind = "error"
)

// Phase is the status value carried by status events.
type Phase string

const (
	PhaseLoading     Phase = "loading"
	PhaseDownloading Phase = "downloading"
	PhaseExtracting  Phase = "extracting"
	PhaseReady       Phase = "ready"
	PhaseListening   Phase = "listening"
	PhaseStopped     Phase = "stopped"
	PhaseWarning     Phase = "warning"
	PhaseError       Phase = "error"
)

// Event is a write-once record of something the host should know about.
// Only the fields relevant to Kind are serialized.
type Event struct {
	Kind           Kind
	Phase          Phase
	Message        string
	Text           string
	SpeakerChanged bool
	Err            string
	At             time.Time
}

func Status(phase Phase, message string) Event {
	return Event{Kind: KindStatus, Phase: phase, Message: message, At: time.Now().UTC()}
}

func Statusf(phase Phase, format string, args ...any) Event {
	return Status(phase, fmt.Sprintf(format, args...))
}

func Partial(text string) Event {
	return Event{Kind: KindPartial, Text: text, At: time.Now().UTC()}
}

func Final(text string, speakerChanged bool) Event {
	return Event{Kind: KindFinal, Text: text, SpeakerChanged: speakerChanged, At: time.Now().UTC()}
}

func Error(message string) Event {
	return Event{Kind: KindError, Err: message, At: time.Now().UTC()}
}

func Errorf(format string, args ...any) Event {
	return Error(fmt.Sprintf(format, args...))
}

type statusWire struct {
	Type    Kind   `json:"type"`
	Status  Phase  `json:"status"`
	Message string `json:"message"`
}

type partialWire struct {
	Type Kind   `json:"type"`
	Text string `json:"text"`
}

type finalWire struct {
	Type           Kind   `json:"type"`
	Text           string `json:"text"`
	SpeakerChanged bool   `json:"speaker_changed"`
}

type errorWire struct {
	Type  Kind   `json:"type"`
	Error string `json:"error"`
}

// MarshalJSON renders the host wire shape for the event kind.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindStatus:
		return json.Marshal(statusWire{Type: e.Kind, Status: e.Phase, Message: e.Message})
	case KindPartial:
		return json.Marshal(partialWire{Type: e.Kind, Text: e.Text})
	case KindFinal:
		return json.Marshal(finalWire{Type: e.Kind, Text: e.Text, SpeakerChanged: e.SpeakerChanged})
	case KindError:
		return json.Marshal(errorWire{Type: e.Kind, Error: e.Err})
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}
