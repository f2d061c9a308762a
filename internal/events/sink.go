package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Sink receives events in emission order.
type Sink interface {
	Emit(Event) error
}

type flusher interface {
	Flush() error
}

type syncer interface {
	Sync() error
}

// LineWriter writes each event as one JSON line and flushes it before
// returning, so a host reading the other end of a pipe sees it immediately.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

func (l *LineWriter) Emit(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	switch f := l.w.(type) {
	case flusher:
		return f.Flush()
	case syncer:
		// Sync on a pipe or terminal returns EINVAL; there is nothing to flush there.
		_ = f.Sync()
	}
	return nil
}

// Multi forwards each event to a primary sink and then to best-effort
// mirrors. The whole fan-out happens under one lock so every sink observes
// the same order. Mirror failures are logged, not returned.
type Multi struct {
	mu      sync.Mutex
	primary Sink
	mirrors []Sink
	log     *slog.Logger
}

func NewMulti(primary Sink, log *slog.Logger, mirrors ...Sink) *Multi {
	return &Multi{primary: primary, mirrors: mirrors, log: log.With(slog.String("component", "event-sink"))}
}

// AddMirror registers another mirror. Events emitted before the call are not replayed.
func (m *Multi) AddMirror(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.mirrors = append(m.mirrors, s)
	m.mu.Unlock()
}

func (m *Multi) Emit(evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.primary.Emit(evt)
	for _, mirror := range m.mirrors {
		if merr := mirror.Emit(evt); merr != nil {
			m.log.Warn("event mirror failed", slog.String("kind", string(evt.Kind)), slogError(merr))
		}
	}
	return err
}

// Recorder keeps every event in memory. Tests use it as a sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(evt Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind filters the recorded events.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

// WithPhase filters recorded status events by phase.
func (r *Recorder) WithPhase(phase Phase) []Event {
	var out []Event
	for _, evt := range r.OfKind(KindStatus) {
		if evt.Phase == phase {
			out = append(out, evt)
		}
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
