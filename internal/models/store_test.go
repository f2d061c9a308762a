package models

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type zipEntry struct {
	name string
	size int
}

func buildArchive(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := w.Write(bytes.Repeat([]byte{'x'}, e.size)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func testModel() ModelConfig {
	return ModelConfig{ID: "vosk-model-test", DisplayName: "Test", ApproximateSize: "~1KB"}
}

type recordedStates struct {
	states []State
}

func (r *recordedStates) report(st State) { r.states = append(r.states, st) }

func (r *recordedStates) progress(phase Phase) []float64 {
	var out []float64
	for _, st := range r.states {
		if st.Phase == phase {
			out = append(out, st.Progress)
		}
	}
	return out
}

func (r *recordedStates) has(phase Phase) bool {
	for _, st := range r.states {
		if st.Phase == phase {
			return true
		}
	}
	return false
}

func TestEnsureReadyLocalUnpackProgress(t *testing.T) {
	root := t.TempDir()
	localDir := t.TempDir()
	cfg := testModel()

	archive := buildArchive(t, []zipEntry{
		{name: cfg.ID + "/am/final.mdl", size: 100},
		{name: cfg.ID + "/conf/model.conf", size: 100},
		{name: cfg.ID + "/graph/HCLG.fst", size: 200},
	})
	if err := os.WriteFile(filepath.Join(localDir, cfg.ID+".zip"), archive, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	store, err := NewStore(Options{Root: root, LocalDir: localDir, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var rec recordedStates
	st, err := store.EnsureReady(context.Background(), cfg, ModeLocal, rec.report)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if st.Phase != PhaseReady {
		t.Fatalf("expected ready, got %s", st.Phase)
	}

	got := rec.progress(PhaseUnpacking)
	want := []float64{25, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("unexpected unpack progress %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected unpack progress %v", got)
		}
	}

	// The top-level <id>/ directory is unwrapped into <root>/<id>.
	if _, err := os.Stat(filepath.Join(root, cfg.ID, "graph", "HCLG.fst")); err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	leftovers, _ := os.ReadDir(root)
	if len(leftovers) != 1 {
		t.Fatalf("expected only the model directory in root, got %d entries", len(leftovers))
	}
}

func TestEnsureReadyLocalMissingArchive(t *testing.T) {
	store, err := NewStore(Options{Root: t.TempDir(), LocalDir: t.TempDir(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var rec recordedStates
	st, err := store.EnsureReady(context.Background(), testModel(), ModeLocal, rec.report)
	if !errors.Is(err, ErrArchiveNotFound) {
		t.Fatalf("expected ErrArchiveNotFound, got %v", err)
	}
	if st.Phase != PhaseFailed {
		t.Fatalf("expected failed state, got %s", st.Phase)
	}
	if rec.has(PhaseReady) || rec.has(PhaseUnpacking) {
		t.Fatalf("unexpected states reported: %+v", rec.states)
	}
}

func TestEnsureReadyExistingDirectoryIsReady(t *testing.T) {
	root := t.TempDir()
	cfg := testModel()
	if err := os.MkdirAll(filepath.Join(root, cfg.ID), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := NewStore(Options{Root: root, MirrorURL: srv.URL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	st, err := store.EnsureReady(context.Background(), cfg, ModeNetwork, nil)
	if err != nil || st.Phase != PhaseReady {
		t.Fatalf("expected ready, got %s err=%v", st.Phase, err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no download, got %d requests", hits.Load())
	}
}

func TestEnsureReadyNetworkDownloadIsIdempotent(t *testing.T) {
	cfg := testModel()
	archive := buildArchive(t, []zipEntry{{name: "README", size: 10}, {name: "am/final.mdl", size: 300000}})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/"+cfg.ID+".zip" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	root := t.TempDir()
	store, err := NewStore(Options{Root: root, MirrorURL: srv.URL + "/", Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var rec recordedStates
	st, err := store.EnsureReady(context.Background(), cfg, ModeNetwork, rec.report)
	if err != nil || st.Phase != PhaseReady {
		t.Fatalf("expected ready, got %s err=%v", st.Phase, err)
	}

	fetch := rec.progress(PhaseFetching)
	if len(fetch) == 0 || fetch[len(fetch)-1] != 100 {
		t.Fatalf("expected fetch progress ending at 100, got %v", fetch)
	}
	for i := 1; i < len(fetch); i++ {
		if fetch[i] <= fetch[i-1] {
			t.Fatalf("fetch progress must strictly increase between reports: %v", fetch)
		}
	}
	if _, err := os.Stat(filepath.Join(root, cfg.ID, "am", "final.mdl")); err != nil {
		t.Fatalf("expected extracted model: %v", err)
	}

	var second recordedStates
	st, err = store.EnsureReady(context.Background(), cfg, ModeNetwork, second.report)
	if err != nil || st.Phase != PhaseReady {
		t.Fatalf("expected ready on second call, got %s err=%v", st.Phase, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single download, got %d", hits.Load())
	}
	if len(second.states) != 0 {
		t.Fatalf("expected no progress on second call, got %+v", second.states)
	}
}

func TestEnsureReadyNetworkInterruptedLeavesNothing(t *testing.T) {
	cfg := testModel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bytes.Repeat([]byte{'z'}, 500))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	root := t.TempDir()
	store, err := NewStore(Options{Root: root, MirrorURL: srv.URL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var rec recordedStates
	st, err := store.EnsureReady(context.Background(), cfg, ModeNetwork, rec.report)
	if err == nil {
		t.Fatal("expected interrupted download to fail")
	}
	if st.Phase != PhaseFailed || st.Reason == "" {
		t.Fatalf("expected failed state with reason, got %+v", st)
	}
	if rec.has(PhaseReady) {
		t.Fatal("ready must not be reported after a failure")
	}
	fetch := rec.progress(PhaseFetching)
	if len(fetch) == 0 || fetch[len(fetch)-1] != 50 {
		t.Fatalf("expected fetch progress to stop at 50, got %v", fetch)
	}
	if store.IsReady(cfg) {
		t.Fatal("model directory must not exist after a failure")
	}
	leftovers, _ := os.ReadDir(root)
	if len(leftovers) != 0 {
		t.Fatalf("expected empty root, found %d entries", len(leftovers))
	}
}

func TestEnsureReadyNetworkHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store, err := NewStore(Options{Root: t.TempDir(), MirrorURL: srv.URL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	st, err := store.EnsureReady(context.Background(), testModel(), ModeNetwork, nil)
	if err == nil || st.Phase != PhaseFailed {
		t.Fatalf("expected failure, got %s err=%v", st.Phase, err)
	}
	if got := store.State(testModel().ID); got.Phase != PhaseFailed {
		t.Fatalf("expected tracked failed state, got %s", got.Phase)
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	localDir := t.TempDir()
	cfg := testModel()
	archive := buildArchive(t, []zipEntry{{name: "../escape.txt", size: 4}})
	if err := os.WriteFile(filepath.Join(localDir, cfg.ID+".zip"), archive, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	store, err := NewStore(Options{Root: root, LocalDir: localDir, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.EnsureReady(context.Background(), cfg, ModeLocal, nil); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
	if store.IsReady(cfg) {
		t.Fatal("model directory must not exist")
	}
}

func TestTrackerRejectsBackwardTransitions(t *testing.T) {
	tr := newTracker()
	if _, err := tr.advance(State{ModelID: "m", Phase: PhaseUnpacking, Progress: 40}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := tr.advance(State{ModelID: "m", Phase: PhaseFetching}); err == nil {
		t.Fatal("expected backward transition to fail")
	}
	st, _ := tr.advance(State{ModelID: "m", Phase: PhaseUnpacking, Progress: 10})
	if st.Progress != 40 {
		t.Fatalf("progress must not decrease, got %v", st.Progress)
	}
	if _, err := tr.advance(State{ModelID: "m", Phase: PhaseFailed, Reason: "boom"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := tr.advance(State{ModelID: "m", Phase: PhaseReady}); err == nil {
		t.Fatal("failed state must be terminal")
	}
	tr.forget("m")
	if tr.get("m").Phase != PhaseAbsent {
		t.Fatal("forget should clear a failed state")
	}
}

func TestPercentRounding(t *testing.T) {
	cases := []struct {
		done, total int64
		want        float64
	}{
		{1, 3, 33.3},
		{2, 3, 66.7},
		{5, 4, 100},
		{10, 0, -1},
	}
	for _, tc := range cases {
		if got := percent(tc.done, tc.total); got != tc.want {
			t.Fatalf("percent(%d,%d)=%v want %v", tc.done, tc.total, got, tc.want)
		}
	}
}
