package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/meeting-transcriber/internal/audio"
	"github.com/skypro1111/meeting-transcriber/internal/metrics"
	"github.com/skypro1111/meeting-transcriber/internal/protocol"
)

// StreamerConfig contains persistent streaming parameters.
type StreamerConfig struct {
	URL                  string // ws:// or wss:// endpoint
	Header               http.Header
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration // Multiplied by the attempt number
	PingInterval         time.Duration
	CompletionTimeout    time.Duration
	WriteTimeout         time.Duration
}

// WebSocketURL derives the streaming endpoint from a REST base URL:
// https becomes wss, http becomes ws, the /api/v1 prefix is dropped and
// /ws/transcription appended.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("transport: unsupported base URL scheme %q", u.Scheme)
	}

	u.Path = strings.Replace(u.Path, "/api/v1", "", 1) + "/ws/transcription"
	u.RawPath = ""
	return u.String(), nil
}

// Streamer streams PCM frames over one websocket and receives incremental
// transcripts. If the socket drops while recording it reconnects up to
// MaxReconnectAttempts times, resending start so the backend resumes the
// same room. Frames sent while the socket is not open are dropped.
type Streamer struct {
	cfg     StreamerConfig
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger
	events  *emitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       int
	state     ConnState
	room      Room
	stopping  bool
	closed    bool
	sessionID string

	completed chan protocol.Completed
	lost      chan struct{}
	lostOnce  sync.Once

	dials   atomic.Int64
	dropped atomic.Int64
}

// NewStreamer creates a streaming transport.
func NewStreamer(cfg StreamerConfig, m *metrics.Metrics, logger *slog.Logger) *Streamer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Streamer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		metrics:   m,
		logger:    logger.With(slog.String("transport", "stream")),
		events:    newEmitter(256),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		completed: make(chan protocol.Completed, 1),
		lost:      make(chan struct{}),
	}
}

// Events implements Transport.
func (s *Streamer) Events() <-chan Event {
	return s.events.ch
}

// State returns the current connection state.
func (s *Streamer) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dials returns the number of connection attempts made so far.
func (s *Streamer) Dials() int {
	return int(s.dials.Load())
}

// DroppedFrames returns the number of frames refused because the socket was
// not open.
func (s *Streamer) DroppedFrames() int {
	return int(s.dropped.Load())
}

// SessionID returns the backend's correlation id, once announced.
func (s *Streamer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Open implements Transport.
func (s *Streamer) Open(ctx context.Context, room Room) error {
	if room.SID == "" {
		return fmt.Errorf("transport: room id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("transport: streamer already open")
	}
	s.room = room
	s.mu.Unlock()

	s.setState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateIdle)
		return err
	}
	if err := s.attach(conn); err != nil {
		_ = conn.Close()
		s.setState(StateIdle)
		return err
	}

	s.wg.Add(1)
	go s.pingLoop()

	s.logger.Info("Streaming transcription started", slog.String("room", room.SID))
	return nil
}

func (s *Streamer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	s.dials.Add(1)
	conn, resp, err := s.dialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// attach installs conn as the live connection, sends start for the current
// room and begins reading. The state becomes recording before the read loop
// starts so that a drop on the new socket is seen as a drop while recording.
func (s *Streamer) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	room := s.room
	s.mu.Unlock()

	if err := s.write(conn, protocol.NewStart(room.SID, room.Name)); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.conn = nil
		}
		s.mu.Unlock()
		return fmt.Errorf("send start: %w", err)
	}

	s.setState(StateRecording)

	s.wg.Add(1)
	go s.readLoop(conn, gen)
	return nil
}

func (s *Streamer) write(conn *websocket.Conn, msg protocol.ClientMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send implements Transport.
func (s *Streamer) Send(chunk audio.Chunk) {
	s.mu.Lock()
	conn := s.conn
	ready := conn != nil && s.state == StateRecording
	s.mu.Unlock()

	if !ready {
		s.dropped.Add(1)
		s.metrics.RecordFrameRefused()
		s.logger.Debug("Channel not open, dropping frame", slog.Int("chunk", chunk.Index))
		return
	}

	if err := s.write(conn, protocol.NewAudio(chunk.Data)); err != nil {
		s.dropped.Add(1)
		s.metrics.RecordFrameRefused()
		s.logger.Debug("Failed to send frame", slog.Int("chunk", chunk.Index), slog.String("error", err.Error()))
		return
	}
	s.metrics.RecordFrameSent()
}

func (s *Streamer) readLoop(conn *websocket.Conn, gen int) {
	defer s.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.disconnected(gen, err)
			return
		}
		s.handleMessage(data)
	}
}

func (s *Streamer) handleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordParseError()
		s.logger.Warn("Ignoring malformed message", slog.String("error", err.Error()))
		return
	}
	s.metrics.RecordMessage(msg.Type())

	switch m := msg.(type) {
	case protocol.Connected:
		s.logger.Debug("Server ready for transcription")
	case protocol.Started:
		s.logger.Debug("Transcription session started", slog.String("room", m.RoomSID))
	case protocol.SessionInfo:
		s.mu.Lock()
		s.sessionID = m.AssemblySessionID
		s.mu.Unlock()
		s.logger.Info("Backend session assigned", slog.String("session_id", m.AssemblySessionID))
	case protocol.Transcript:
		if m.Text == "" {
			return
		}
		s.events.emit(Event{
			Kind:       EventTranscript,
			Text:       m.Text,
			Final:      m.IsFinal,
			Confidence: m.Confidence,
			ChunkIndex: -1,
			Words:      m.Words,
		})
	case protocol.Completed:
		s.logger.Info("Transcription completed", slog.Int("length", len(m.FullTranscription)))
		select {
		case s.completed <- m:
		default:
		}
	case protocol.Error:
		s.logger.Error("Backend reported error", slog.String("error", m.Error))
		s.setState(StateError)
		s.events.emit(Event{Kind: EventError, Err: fmt.Errorf("backend: %s", m.Error)})
	case protocol.Pong:
	default:
		s.logger.Debug("Ignoring unknown message", slog.String("type", msg.Type()))
	}
}

// disconnected handles the end of connection gen.
func (s *Streamer) disconnected(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closed, stopping, state := s.closed, s.stopping, s.state
	s.mu.Unlock()

	if closed {
		return
	}
	if stopping {
		s.lostOnce.Do(func() { close(s.lost) })
		return
	}

	s.logger.Warn("Streaming connection lost", slog.String("error", err.Error()))
	if state != StateRecording || s.cfg.MaxReconnectAttempts == 0 {
		if state == StateRecording {
			s.exhausted()
		}
		return
	}

	s.wg.Add(1)
	go s.reconnect()
}

func (s *Streamer) reconnect() {
	defer s.wg.Done()

	s.setState(StateReconnecting)

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		s.metrics.RecordReconnectAttempt()
		s.logger.Info("Attempting reconnect",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.cfg.MaxReconnectAttempts),
		)

		if !sleepCtx(s.ctx, s.cfg.ReconnectDelay*time.Duration(attempt)) {
			return
		}
		if s.halted() {
			return
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			s.logger.Warn("Reconnect failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}
		if s.halted() {
			_ = conn.Close()
			return
		}
		if err := s.attach(conn); err != nil {
			_ = conn.Close()
			s.logger.Warn("Reconnect failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}

		s.logger.Info("Reconnected", slog.Int("attempt", attempt))
		return
	}

	s.exhausted()
}

func (s *Streamer) exhausted() {
	s.logger.Error("Giving up on streaming connection",
		slog.Int("max_attempts", s.cfg.MaxReconnectAttempts),
	)
	s.setState(StateError)
	s.events.emit(Event{Kind: EventError, Err: ErrReconnectExhausted})
}

func (s *Streamer) halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.stopping
}

func (s *Streamer) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			ready := conn != nil && s.state == StateRecording
			s.mu.Unlock()
			if !ready {
				continue
			}
			if err := s.write(conn, protocol.Ping{}); err != nil {
				s.logger.Debug("Ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Streamer) setState(state ConnState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.events.emit(Event{Kind: EventState, State: state})
}

// Finish implements Transport: send stop and wait for the completed
// message. If the socket is not open, drops while waiting, or nothing
// arrives within CompletionTimeout, it returns nil without an error.
func (s *Streamer) Finish(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.stopping = true
	s.mu.Unlock()

	if conn == nil || state != StateRecording {
		s.logger.Warn("Channel not open at stop, no streaming result", slog.String("state", string(state)))
		return nil, nil
	}

	s.setState(StateFinalizing)
	if err := s.write(conn, protocol.Stop{}); err != nil {
		s.logger.Warn("Failed to send stop", slog.String("error", err.Error()))
		return nil, nil
	}

	timer := time.NewTimer(s.cfg.CompletionTimeout)
	defer timer.Stop()

	select {
	case m := <-s.completed:
		return completedResult(m), nil
	case <-s.lost:
		// The reader queues completed before it reports the loss.
		select {
		case m := <-s.completed:
			return completedResult(m), nil
		default:
		}
		s.logger.Warn("Connection closed before completion")
		return nil, nil
	case <-timer.C:
		s.logger.Warn("Timed out waiting for completion", slog.Duration("timeout", s.cfg.CompletionTimeout))
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func completedResult(m protocol.Completed) *Result {
	return &Result{FullTranscription: m.FullTranscription, Summary: m.Summary, Stats: m.Stats}
}

// Close implements Transport.
func (s *Streamer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	s.setState(StateIdle)
	s.events.halt()
	s.wg.Wait()
	s.events.close()
	return nil
}
