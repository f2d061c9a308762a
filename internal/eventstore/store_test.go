package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/events"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "transcripts.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	id, err := es.BeginSession(ctx, "model")
	if err != nil || id == "" {
		t.Fatalf("expected session id without a database, got %q err=%v", id, err)
	}
	if err := es.AppendSegment(ctx, Segment{SessionID: id, Text: "hi"}); err != nil {
		t.Fatalf("append segment: %v", err)
	}
	segs, err := es.ListSegments(ctx, id, 10)
	if err != nil || len(segs) != 0 {
		t.Fatalf("ephemeral store must not retain segments: %v %v", segs, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID, err := es.BeginSession(ctx, "vosk-model-small-en-us-0.15")
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for i, text := range []string{"hello there", "general kenobi"} {
		if err := es.AppendSegment(ctx, Segment{SessionID: sessionID, Text: text, SpeakerChanged: i == 1}); err != nil {
			t.Fatalf("append segment: %v", err)
		}
	}
	if err := es.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	segs, err := es.ListSegments(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) != 2 || segs[0].Text != "hello there" || !segs[1].SpeakerChanged {
		t.Fatalf("unexpected segments %+v", segs)
	}

	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Segments != 2 || sessions[0].ModelID != "vosk-model-small-en-us-0.15" || sessions[0].EndedAt.IsZero() {
		t.Fatalf("unexpected session %+v", sessions[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	oldID, err := es.BeginSession(ctx, "model")
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendSegment(ctx, Segment{SessionID: oldID, Text: "note"}); err != nil {
		t.Fatalf("append segment: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if _, err := es.BeginSession(ctx, "model"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	segs, err := es.ListSegments(ctx, oldID, 10)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 remaining session, got %d", len(sessions))
	}
}

func TestJournalFollowsEventStream(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, "vosk-model-en-us-0.22", newLogger())

	stream := []events.Event{
		events.Status(events.PhaseReady, "Vosk ready!"),
		events.Status(events.PhaseListening, "Listening..."),
		events.Partial("hel"),
		events.Final("hello", true),
		events.Final("again", false),
		events.Status(events.PhaseStopped, "Stopped listening"),
		events.Status(events.PhaseListening, "Listening..."),
		events.Final("second session", false),
	}
	for _, evt := range stream {
		if err := j.Emit(evt); err != nil {
			t.Fatalf("emit %s: %v", evt.Kind, err)
		}
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	open := j.Session()
	if open == "" {
		t.Fatal("expected an open session after the second listening status")
	}
	segs, err := es.ListSegments(ctx, open, 10)
	if err != nil || len(segs) != 1 || segs[0].Text != "second session" {
		t.Fatalf("unexpected segments in open session: %+v err=%v", segs, err)
	}
	var closed Session
	for _, s := range sessions {
		if s.ID != open {
			closed = s
		}
	}
	if closed.Segments != 2 || closed.EndedAt.IsZero() {
		t.Fatalf("unexpected closed session %+v", closed)
	}
}
