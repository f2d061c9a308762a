package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/models"
)

type wireEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func decodeEvents(t *testing.T, out *bytes.Buffer) []wireEvent {
	t.Helper()
	var evts []wireEvent
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var evt wireEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			t.Fatalf("stdout line %q is not an event: %v", line, err)
		}
		evts = append(evts, evt)
	}
	return evts
}

func runCLI(t *testing.T, args ...string) (int, []wireEvent) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(""), &stdout, &stderr)
	return code, decodeEvents(t, &stdout)
}

func TestSetupFailuresEmitErrorEvent(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{
			name: "missing config file",
			args: []string{"--config", missing},
			want: "Invalid configuration: config file not found",
		},
		{
			name: "invalid model size",
			args: []string{"--config", "", "--model-size", "huge"},
			want: "Invalid model size: huge. Use 'small', 'medium', or 'large'.",
		},
		{
			name: "local mode without archive dir",
			args: []string{"--config", ""},
			env:  map[string]string{"LOQA_MODELS_MODE": "local"},
			want: "Invalid configuration: models.local_dir must be set",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			code, evts := runCLI(t, tc.args...)
			if code != 1 {
				t.Fatalf("exit code = %d, want 1", code)
			}
			if len(evts) != 1 {
				t.Fatalf("expected exactly one event, got %+v", evts)
			}
			if evts[0].Type != "error" || !strings.HasPrefix(evts[0].Error, tc.want) {
				t.Fatalf("unexpected event %+v, want error starting with %q", evts[0], tc.want)
			}
		})
	}
}

func TestVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--version"}, strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != version {
		t.Fatalf("version output = %q, want %q", got, version)
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--no-such-flag"}, strings.NewReader(""), &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("usage errors must not reach the event stream: %q", stdout.String())
	}
}

func TestApplyFlagsLocalModeNeedsDevAndModelsDir(t *testing.T) {
	tests := []struct {
		name      string
		modelsDir string
		dev       bool
		wantMode  string
		wantLocal string
	}{
		{name: "neither", wantMode: string(models.ModeNetwork)},
		{name: "dev only", dev: true, wantMode: string(models.ModeNetwork)},
		{name: "models dir only", modelsDir: "archives", wantMode: string(models.ModeNetwork)},
		{name: "both", dev: true, modelsDir: "archives", wantMode: string(models.ModeLocal), wantLocal: "archives"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			applyFlags(&cfg, "", tc.modelsDir, tc.dev)
			if cfg.Models.Mode != tc.wantMode {
				t.Fatalf("mode = %q, want %q", cfg.Models.Mode, tc.wantMode)
			}
			if cfg.Models.LocalDir != tc.wantLocal {
				t.Fatalf("local dir = %q, want %q", cfg.Models.LocalDir, tc.wantLocal)
			}
		})
	}
}

func TestApplyFlagsModelSize(t *testing.T) {
	cfg := config.Default()
	applyFlags(&cfg, "large", "", false)
	if cfg.Models.Size != "large" {
		t.Fatalf("size = %q, want large", cfg.Models.Size)
	}
}
