package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/meeting-transcriber/internal/audio"
	"github.com/skypro1111/meeting-transcriber/internal/protocol"
)

// wsBackend is a scripted streaming endpoint. handle runs once per accepted
// connection with its 1-based connection number.
type wsBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepted atomic.Int32
	reject   func(n int) bool
	handle   func(n int, conn *websocket.Conn)

	mu     sync.Mutex
	starts []protocol.Start
	audio  [][]byte
}

func newWSBackend(t *testing.T, handle func(b *wsBackend, n int, conn *websocket.Conn)) *wsBackend {
	t.Helper()
	b := &wsBackend{}
	b.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	b.handle = func(n int, conn *websocket.Conn) { handle(b, n, conn) }

	var attempts atomic.Int32
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(attempts.Add(1))
		if b.reject != nil && b.reject(n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.accepted.Add(1)
		defer conn.Close()
		b.handle(n, conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *wsBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/transcription"
}

// read consumes one client message, recording starts and audio.
func (b *wsBackend) read(conn *websocket.Conn) (protocol.ClientMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch m := msg.(type) {
	case protocol.Start:
		b.starts = append(b.starts, m)
	case protocol.Audio:
		pcm, _ := m.PCM()
		b.audio = append(b.audio, pcm)
	}
	return msg, nil
}

func (b *wsBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.starts)
}

func send(conn *websocket.Conn, msg protocol.Message) {
	data, _ := protocol.Encode(msg)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// serve answers until the client goes away, completing on stop.
func serve(b *wsBackend, conn *websocket.Conn) {
	for {
		msg, err := b.read(conn)
		if err != nil {
			return
		}
		switch msg.(type) {
		case protocol.Stop:
			send(conn, protocol.Completed{FullTranscription: "full text"})
		case protocol.Ping:
			send(conn, protocol.Pong{})
		}
	}
}

func testStreamerConfig(url string) StreamerConfig {
	return StreamerConfig{
		URL:                  url,
		ConnectTimeout:       time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       10 * time.Millisecond,
		PingInterval:         time.Hour,
		CompletionTimeout:    2 * time.Second,
		WriteTimeout:         time.Second,
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base     string
		expected string
		wantErr  bool
	}{
		{"https://api.example.com/api/v1", "wss://api.example.com/ws/transcription", false},
		{"http://localhost:8080/api/v1/", "ws://localhost:8080/ws/transcription", false},
		{"http://localhost:8080", "ws://localhost:8080/ws/transcription", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := WebSocketURL(tt.base)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("WebSocketURL failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestStreamerSessionLifecycle(t *testing.T) {
	backend := newWSBackend(t, func(b *wsBackend, n int, conn *websocket.Conn) {
		send(conn, protocol.Connected{})
		if _, err := b.read(conn); err != nil {
			return
		}
		send(conn, protocol.Started{RoomSID: "RM1"})
		send(conn, protocol.SessionInfo{AssemblySessionID: "sess-1"})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		send(conn, protocol.Transcript{Text: "hel", IsFinal: false})
		send(conn, protocol.Transcript{Text: "hello", IsFinal: true, Confidence: 0.9})
		serve(b, conn)
	})

	s := NewStreamer(testStreamerConfig(backend.url()), nil, quietLogger())
	events := collect(s.Events())

	if err := s.Open(context.Background(), Room{SID: "RM1", Name: "Standup"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	waitFor(t, "final transcript", func() bool { return len(events.transcripts()) == 2 })

	s.Send(audio.Chunk{Index: 0, Data: []byte{1, 2, 3, 4}})
	waitFor(t, "audio frame", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.audio) == 1
	})

	result, err := s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if result == nil || result.FullTranscription != "full text" {
		t.Errorf("Expected completed result, got %+v", result)
	}
	s.Close()
	events.waitClosed(t)

	backend.mu.Lock()
	start := backend.starts[0]
	frame := backend.audio[0]
	backend.mu.Unlock()
	if start.RoomSID != "RM1" || start.RoomName == nil || *start.RoomName != "Standup" {
		t.Errorf("Unexpected start message: %+v", start)
	}
	if !bytes.Equal(frame, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected PCM payload [1 2 3 4], got %v", frame)
	}

	transcripts := events.transcripts()
	if transcripts[0].Final || transcripts[0].Text != "hel" {
		t.Errorf("Expected partial transcript first, got %+v", transcripts[0])
	}
	if !transcripts[1].Final || transcripts[1].Confidence != 0.9 {
		t.Errorf("Expected final transcript with confidence, got %+v", transcripts[1])
	}
	if s.SessionID() != "sess-1" {
		t.Errorf("Expected session id sess-1, got %q", s.SessionID())
	}

	states := events.states()
	expected := []ConnState{StateConnecting, StateRecording, StateFinalizing, StateIdle}
	if len(states) != len(expected) {
		t.Fatalf("Expected states %v, got %v", expected, states)
	}
	for i := range expected {
		if states[i] != expected[i] {
			t.Errorf("State %d: expected %s, got %s", i, expected[i], states[i])
		}
	}
}

func TestStreamerReconnectResendsStart(t *testing.T) {
	backend := newWSBackend(t, func(b *wsBackend, n int, conn *websocket.Conn) {
		if _, err := b.read(conn); err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection right after start
			return
		}
		serve(b, conn)
	})

	s := NewStreamer(testStreamerConfig(backend.url()), nil, quietLogger())
	events := collect(s.Events())

	if err := s.Open(context.Background(), Room{SID: "RM1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	waitFor(t, "reconnect", func() bool {
		return backend.startCount() == 2 && s.State() == StateRecording
	})

	// Give a spurious extra start a chance to show up
	time.Sleep(50 * time.Millisecond)
	if got := backend.startCount(); got != 2 {
		t.Errorf("Expected start sent exactly once per connection (2), got %d", got)
	}
	backend.mu.Lock()
	for i, start := range backend.starts {
		if start.RoomSID != "RM1" {
			t.Errorf("Start %d: expected room RM1, got %s", i, start.RoomSID)
		}
	}
	backend.mu.Unlock()

	if s.Dials() != 2 {
		t.Errorf("Expected 2 dials, got %d", s.Dials())
	}

	result, err := s.Finish(context.Background())
	if err != nil || result == nil {
		t.Fatalf("Expected result after reconnect, got %+v, %v", result, err)
	}
	s.Close()
	events.waitClosed(t)

	states := events.states()
	sawReconnecting, recoveredAt := false, -1
	for i, st := range states {
		if st == StateReconnecting {
			sawReconnecting = true
		}
		if sawReconnecting && st == StateRecording && recoveredAt < 0 {
			recoveredAt = i
		}
	}
	if !sawReconnecting || recoveredAt < 0 {
		t.Errorf("Expected reconnecting followed by recording, got %v", states)
	}
	if errs := events.errors(); len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
}

func TestStreamerReconnectExhausted(t *testing.T) {
	backend := newWSBackend(t, func(b *wsBackend, n int, conn *websocket.Conn) {
		_, _ = b.read(conn)
	})
	backend.reject = func(n int) bool { return n > 1 }

	cfg := testStreamerConfig(backend.url())
	cfg.MaxReconnectAttempts = 2
	s := NewStreamer(cfg, nil, quietLogger())
	events := collect(s.Events())

	if err := s.Open(context.Background(), Room{SID: "RM1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	waitFor(t, "error state", func() bool { return s.State() == StateError })

	time.Sleep(100 * time.Millisecond)
	if got := s.Dials(); got != 3 {
		t.Errorf("Expected 1 dial plus 2 reconnects, got %d", got)
	}

	errs := events.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrReconnectExhausted) {
		t.Errorf("Expected one ErrReconnectExhausted, got %v", errs)
	}

	s.Send(audio.Chunk{Index: 5, Data: []byte{0, 0}})
	if s.DroppedFrames() != 1 {
		t.Errorf("Expected frame to be dropped in error state, got %d", s.DroppedFrames())
	}

	result, err := s.Finish(context.Background())
	if result != nil || err != nil {
		t.Errorf("Expected nil result after exhaustion, got %+v, %v", result, err)
	}
	s.Close()
	events.waitClosed(t)
}

func TestStreamerCompletionTimeout(t *testing.T) {
	backend := newWSBackend(t, func(b *wsBackend, n int, conn *websocket.Conn) {
		// Never answer stop
		for {
			if _, err := b.read(conn); err != nil {
				return
			}
		}
	})

	cfg := testStreamerConfig(backend.url())
	cfg.CompletionTimeout = 100 * time.Millisecond
	s := NewStreamer(cfg, nil, quietLogger())
	events := collect(s.Events())

	if err := s.Open(context.Background(), Room{SID: "RM1"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	start := time.Now()
	result, err := s.Finish(context.Background())
	if err != nil {
		t.Errorf("Expected timeout not to be an error, got %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result on timeout, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Expected to wait for the completion timeout, returned after %v", elapsed)
	}

	s.Close()
	events.waitClosed(t)
}

func TestStreamerCompletedBeforeClose(t *testing.T) {
	backend := newWSBackend(t, func(b *wsBackend, n int, conn *websocket.Conn) {
		for {
			msg, err := b.read(conn)
			if err != nil {
				return
			}
			if _, ok := msg.(protocol.Stop); ok {
				send(conn, protocol.Completed{FullTranscription: "last words"})
				return
			}
		}
	})

	// Completed and the close that follows it can both be waiting when
	// Finish selects; the result must win every time.
	for i := 0; i < 20; i++ {
		cfg := testStreamerConfig(backend.url())
		cfg.MaxReconnectAttempts = 0
		s := NewStreamer(cfg, nil, quietLogger())
		events := collect(s.Events())

		if err := s.Open(context.Background(), Room{SID: "RM1"}); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		result, err := s.Finish(context.Background())
		if err != nil {
			t.Fatalf("Finish failed: %v", err)
		}
		if result == nil || result.FullTranscription != "last words" {
			t.Fatalf("Expected completed result on run %d, got %+v", i, result)
		}

		s.Close()
		events.waitClosed(t)
	}
}

func TestStreamerDropsFramesWhenNotOpen(t *testing.T) {
	s := NewStreamer(testStreamerConfig("ws://127.0.0.1:1/ws/transcription"), nil, quietLogger())
	events := collect(s.Events())

	s.Send(audio.Chunk{Index: 0, Data: []byte{1, 2}})
	s.Send(audio.Chunk{Index: 1, Data: []byte{3, 4}})

	if s.DroppedFrames() != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", s.DroppedFrames())
	}
	if result, err := s.Finish(context.Background()); result != nil || err != nil {
		t.Errorf("Expected nil result when never opened, got %+v, %v", result, err)
	}

	s.Close()
	events.waitClosed(t)
}

func TestStreamerOpenFails(t *testing.T) {
	backend := newWSBackend(t, func(b *wsBackend, n int, conn *websocket.Conn) {})
	backend.reject = func(n int) bool { return true }

	s := NewStreamer(testStreamerConfig(backend.url()), nil, quietLogger())
	events := collect(s.Events())

	if err := s.Open(context.Background(), Room{SID: "RM1"}); err == nil {
		t.Error("Expected Open to fail against a rejecting server")
	}
	if s.State() != StateIdle {
		t.Errorf("Expected idle after failed open, got %s", s.State())
	}

	s.Close()
	events.waitClosed(t)
}
