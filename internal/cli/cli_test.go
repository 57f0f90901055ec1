package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/meeting-transcriber/internal/audio"
	"github.com/skypro1111/meeting-transcriber/internal/config"
	"github.com/skypro1111/meeting-transcriber/internal/server"
	"github.com/skypro1111/meeting-transcriber/internal/session"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

func TestParseRemote(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		id      string
		path    string
		wantErr bool
	}{
		{name: "valid", value: "PA_1=remote.wav", id: "PA_1", path: "remote.wav"},
		{name: "path with equals", value: "bob=a=b.wav", id: "bob", path: "a=b.wav"},
		{name: "missing separator", value: "remote.wav", wantErr: true},
		{name: "empty id", value: "=remote.wav", wantErr: true},
		{name: "empty path", value: "bob=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, path, err := parseRemote(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if id != tt.id || path != tt.path {
				t.Errorf("Expected %s and %s, got %s and %s", tt.id, tt.path, id, path)
			}
		})
	}
}

func TestFormatterSegment(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)

	f.Segment(session.Segment{Text: "hello", ChunkIndex: 3})
	f.Segment(session.Segment{Text: "world", ChunkIndex: -1})

	out := buf.String()
	if !strings.Contains(out, "[3] hello") {
		t.Errorf("Expected indexed segment, got %q", out)
	}
	if strings.Contains(out, "[-1]") || !strings.Contains(out, "world") {
		t.Errorf("Expected unindexed segment, got %q", out)
	}
}

func TestFormatterTranscriptAndSummary(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)

	f.Transcript("  ")
	if !strings.Contains(buf.String(), "No transcription was produced") {
		t.Errorf("Expected empty transcript warning, got %q", buf.String())
	}

	buf.Reset()
	general := "Weekly sync"
	f.Summary(&transcription.Summary{
		Summary:        "ignored",
		GeneralSummary: &general,
		DecisionsMade:  []string{"ship it"},
		NextSteps:      []string{},
	})
	out := buf.String()
	if !strings.Contains(out, "Weekly sync") || strings.Contains(out, "ignored") {
		t.Errorf("Expected general summary preferred, got %q", out)
	}
	if !strings.Contains(out, "Decisions:\n  • ship it") {
		t.Errorf("Expected decisions list, got %q", out)
	}
	if strings.Contains(out, "Next steps") {
		t.Errorf("Expected empty lists skipped, got %q", out)
	}

	buf.Reset()
	f.Summary(nil)
	if buf.Len() != 0 {
		t.Errorf("Expected no output for nil summary, got %q", buf.String())
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Upload.ChunkDuration = 5
	cfg.Upload.SafetyMargin = 0.5

	sc := sessionConfig(cfg, recordOptions{strategy: config.StrategyUpload, realtime: true})

	if sc.Strategy != session.StrategyUpload {
		t.Errorf("Expected upload strategy, got %s", sc.Strategy)
	}
	if sc.ChunkDuration != 5*time.Second || sc.SafetyMargin != 500*time.Millisecond {
		t.Errorf("Expected 5s and 500ms, got %v and %v", sc.ChunkDuration, sc.SafetyMargin)
	}
	if sc.SampleRate != 16000 || sc.TargetChunkSamples != 4000 || !sc.Realtime {
		t.Errorf("Unexpected audio settings: %+v", sc)
	}
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(server.NewMockBackend(server.MockOptions{}, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	content := `
backend:
  base_url: "` + baseURL + `/api/v1"
  timeout: 5
upload:
  settle_delay: 0
  drain_timeout: 2
stream:
  reconnect_delay: 0.01
  completion_timeout: 2
poll:
  interval: 0.01
  processing_interval: 0.01
logging:
  level: error
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func writeWAV(t *testing.T, dir string) string {
	t.Helper()
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = 8000
	}
	data, err := audio.EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	path := filepath.Join(dir, "local.wav")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write wav: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("Command %v failed: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestUploadCommand(t *testing.T) {
	srv := newBackend(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir, srv.URL)
	wav := writeWAV(t, dir)

	out := execute(t, "upload", wav,
		"--config", cfg,
		"--env-file", filepath.Join(dir, "missing.env"),
		"--realtime=false",
		"--room", "RM-cli-upload",
	)

	if !strings.Contains(out, "Recording room RM-cli-upload (upload)") {
		t.Errorf("Expected start banner, got %q", out)
	}
	if !strings.Contains(out, "Transcript:\nchunk 0") {
		t.Errorf("Expected transcript from backend, got %q", out)
	}
}

func TestStreamCommand(t *testing.T) {
	srv := newBackend(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir, srv.URL)
	wav := writeWAV(t, dir)

	out := execute(t, "stream", wav,
		"--config", cfg,
		"--env-file", filepath.Join(dir, "missing.env"),
		"--realtime=false",
		"--room", "RM-cli-stream",
	)

	if !strings.Contains(out, "Recording room RM-cli-stream (stream)") {
		t.Errorf("Expected start banner, got %q", out)
	}
	if !strings.Contains(out, "segment 0") {
		t.Errorf("Expected streamed segment, got %q", out)
	}
}

func TestResultCommand(t *testing.T) {
	srv := newBackend(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir, srv.URL)

	out := execute(t, "result", "RM-cli-result",
		"--config", cfg,
		"--env-file", filepath.Join(dir, "missing.env"),
	)

	if !strings.Contains(out, "100%") {
		t.Errorf("Expected final progress, got %q", out)
	}
	if !strings.Contains(out, "Summary of RM-cli-result") && !strings.Contains(out, "Meeting with 0 recognized segments.") {
		t.Errorf("Expected summary, got %q", out)
	}
}

func TestResultCommandWaitsForUnknownRoom(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/rooms/RM-new/full" {
			http.NotFound(w, r)
			return
		}
		if polls.Add(1) <= 2 {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(transcription.JobSnapshot{
			RoomSID: "RM-new",
			Transcription: &transcription.TranscriptionStage{
				Status:        transcription.StatusCompleted,
				Transcription: "hello there",
			},
			Summary: &transcription.Summary{Status: transcription.StatusCompleted, Summary: "short"},
		})
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := writeConfig(t, dir, srv.URL)

	out := execute(t, "result", "RM-new",
		"--config", cfg,
		"--env-file", filepath.Join(dir, "missing.env"),
	)

	if got := strings.Count(out, "Room not processed yet"); got != 1 {
		t.Errorf("Expected one waiting notice, got %d in %q", got, out)
	}
	if !strings.Contains(out, "Transcript:\nhello there") {
		t.Errorf("Expected transcript after the room appeared, got %q", out)
	}
	if polls.Load() != 3 {
		t.Errorf("Expected 3 polls, got %d", polls.Load())
	}
}

func TestInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("session:\n  strategy: carrier-pigeon\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	root := NewRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"result", "RM-x", "--config", path, "--env-file", filepath.Join(dir, "missing.env")})
	if err := root.Execute(); err == nil {
		t.Error("Expected error for invalid strategy")
	}
}
