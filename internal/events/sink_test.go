package events

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWireShapes(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineWriter(&buf)

	emitted := []Event{
		Status(PhaseReady, "Model ready!"),
		Partial("hello"),
		Final("hello world", false),
		Final("next speaker", true),
		Error("Download failed: boom"),
	}
	for _, evt := range emitted {
		if err := sink.Emit(evt); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	want := []string{
		`{"type":"status","status":"ready","message":"Model ready!"}`,
		`{"type":"partial","text":"hello"}`,
		`{"type":"final","text":"hello world","speaker_changed":false}`,
		`{"type":"final","text":"next speaker","speaker_changed":true}`,
		`{"type":"error","error":"Download failed: boom"}`,
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %s, got %s", i, want[i], lines[i])
		}
	}
}

func TestLineWriterFlushesEachEvent(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriterSize(&buf, 4096)
	sink := NewLineWriter(w)

	if err := sink.Emit(Partial("live")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected buffered writer to be flushed after emit")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	sink := NewLineWriter(io.Discard)
	if err := sink.Emit(Event{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

type failingSink struct{}

func (failingSink) Emit(Event) error { return errors.New("mirror down") }

func TestMultiPreservesOrderAndIgnoresMirrorFailures(t *testing.T) {
	primary := &Recorder{}
	mirror := &Recorder{}
	multi := NewMulti(primary, newLogger(), failingSink{}, mirror)

	for _, text := range []string{"one", "two", "three"} {
		if err := multi.Emit(Partial(text)); err != nil {
			t.Fatalf("emit %s: %v", text, err)
		}
	}

	for name, rec := range map[string]*Recorder{"primary": primary, "mirror": mirror} {
		got := rec.Events()
		if len(got) != 3 {
			t.Fatalf("%s: expected 3 events, got %d", name, len(got))
		}
		for i, text := range []string{"one", "two", "three"} {
			if got[i].Text != text {
				t.Fatalf("%s: event %d out of order: %s", name, i, got[i].Text)
			}
		}
	}
}
