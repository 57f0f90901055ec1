package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/meeting-transcriber/internal/audio"
	"github.com/skypro1111/meeting-transcriber/internal/metrics"
	"github.com/skypro1111/meeting-transcriber/internal/transport"
)

var (
	// ErrAlreadyActive is returned by Start while a session is running.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrNotActive is returned by Stop when nothing is running.
	ErrNotActive = errors.New("session: not active")

	// ErrCaptureUnavailable is returned when the local audio source cannot
	// be attached. It is fatal to starting a session and never retried.
	ErrCaptureUnavailable = errors.New("session: capture device unavailable")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusStarting     Status = "starting"
	StatusRecording    Status = "recording"
	StatusReconnecting Status = "reconnecting"
	StatusFinalizing   Status = "finalizing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether s ends a session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

var transitions = map[Status][]Status{
	StatusIdle:         {StatusStarting},
	StatusStarting:     {StatusRecording, StatusError},
	StatusRecording:    {StatusReconnecting, StatusFinalizing, StatusCompleted, StatusError},
	StatusReconnecting: {StatusRecording, StatusFinalizing, StatusCompleted, StatusError},
	StatusFinalizing:   {StatusCompleted, StatusError},
	StatusCompleted:    {StatusStarting},
	StatusError:        {StatusStarting, StatusFinalizing},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Strategy selects how chunks reach the backend.
type Strategy string

const (
	// StrategyStream sends raw PCM frames over a persistent channel.
	StrategyStream Strategy = "stream"
	// StrategyUpload uploads timer-sliced WAV files one request each.
	StrategyUpload Strategy = "upload"
)

// Segment is one finalized piece of transcript.
type Segment struct {
	Text       string    `json:"text"`
	ChunkIndex int       `json:"chunk_index"` // -1 when unknown
	Confidence float64   `json:"confidence,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Config contains session parameters.
type Config struct {
	Strategy           Strategy
	SampleRate         int
	BlockSize          int
	TargetChunkSamples int           // Stream strategy chunk size
	QueueDepth         int           // Captured blocks held between capture and segmenter
	ChunkDuration      time.Duration // Upload strategy capture unit
	SafetyMargin       time.Duration
	MinChunkBytes      int
	// Realtime paces capture at the audio clock. Live sources set it; file
	// sources used in tests do not.
	Realtime bool
}

// TransportFactory creates the transport for one run of a session.
type TransportFactory func() (transport.Transport, error)

// Result is what a stopped session produced.
type Result struct {
	transport.Result
	// Local is set when the backend returned no result and
	// FullTranscription was assembled from the segments received live.
	Local bool
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	Status       Status    `json:"status"`
	StatusText   string    `json:"status_text"`
	RoomSID      string    `json:"room_sid,omitempty"`
	RoomName     string    `json:"room_name,omitempty"`
	Strategy     Strategy  `json:"strategy"`
	Segments     []Segment `json:"segments"`
	Partial      string    `json:"partial"`
	Pending      int       `json:"pending"`
	Participants int       `json:"participants"`
	InputLevel   float64   `json:"input_level"`
	Confidence   float64   `json:"confidence"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// run holds the resources of one Start..Stop cycle.
type run struct {
	room      transport.Room
	mixer     *audio.Mixer
	transport transport.Transport
	started   time.Time

	cancel       context.CancelFunc
	captureDone  chan struct{}
	segmentDone  chan struct{}
	consumerDone chan struct{}
}

// Session coordinates capture, segmentation and transport for one meeting.
type Session struct {
	cfg          Config
	newTransport TransportFactory
	metrics      *metrics.Metrics
	logger       *slog.Logger

	// Observable state
	Status       *Observable[Status]
	StatusText   *Observable[string]
	Segments     *Observable[[]Segment]
	Partial      *Observable[string]
	Pending      *Observable[int]
	Participants *Observable[int]
	InputLevel   *Observable[float64]
	Confidence   *Observable[float64]

	mu       sync.Mutex
	current  *run
	starting bool
	lastErr  error
}

// New creates an idle session.
func New(cfg Config, newTransport TransportFactory, m *metrics.Metrics, logger *slog.Logger) *Session {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyStream
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.DefaultBlockSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:          cfg,
		newTransport: newTransport,
		metrics:      m,
		logger:       logger,
		Status:       NewObservable(StatusIdle),
		StatusText:   NewObservable("Ready"),
		Segments:     NewObservable[[]Segment](nil),
		Partial:      NewObservable(""),
		Pending:      NewObservable(0),
		Participants: NewObservable(0),
		InputLevel:   NewObservable(0.0),
		Confidence:   NewObservable(0.0),
	}
}

// setStatus moves the session to status if the transition is allowed.
func (s *Session) setStatus(status Status, text string) bool {
	s.mu.Lock()
	from := s.Status.Get()
	if from == status || !canTransition(from, status) {
		s.mu.Unlock()
		if from != status {
			s.logger.Debug("Ignoring status transition",
				slog.String("from", string(from)),
				slog.String("to", string(status)),
			)
		}
		return false
	}
	s.Status.Set(status)
	s.mu.Unlock()

	s.StatusText.Set(text)
	s.metrics.RecordSessionTransition(string(status))
	s.logger.Info("Session status changed",
		slog.String("from", string(from)),
		slog.String("to", string(status)),
	)
	return true
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setStatus(StatusError, "Error: "+err.Error())
}

// Err returns the error that moved the session to the error status.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) reset() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	s.Segments.Set(nil)
	s.Partial.Set("")
	s.Pending.Set(0)
	s.Participants.Set(0)
	s.InputLevel.Set(0)
	s.Confidence.Set(0)
}

// Start begins a session for room with local as the permanent audio source.
// It returns once the transport is connected and capture is running.
func (s *Session) Start(ctx context.Context, room transport.Room, local audio.Track) error {
	s.mu.Lock()
	if s.current != nil || s.starting {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	status := s.Status.Get()
	if status != StatusIdle && !status.Terminal() {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	s.reset()
	s.setStatus(StatusStarting, "Connecting...")

	mixer := audio.NewMixer(s.logger.With(slog.String("component", "mixer")))
	if local == nil {
		s.fail(ErrCaptureUnavailable)
		return ErrCaptureUnavailable
	}
	if err := mixer.Open(local); err != nil {
		err = fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		s.fail(err)
		return err
	}

	tr, err := s.newTransport()
	if err != nil {
		mixer.Shutdown()
		err = fmt.Errorf("session: create transport: %w", err)
		s.fail(err)
		return err
	}
	if err := tr.Open(ctx, room); err != nil {
		mixer.Shutdown()
		_ = tr.Close()
		err = fmt.Errorf("session: open transport: %w", err)
		s.fail(err)
		return err
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		room:         room,
		mixer:        mixer,
		transport:    tr,
		started:      time.Now(),
		cancel:       cancel,
		captureDone:  make(chan struct{}),
		segmentDone:  make(chan struct{}),
		consumerDone: make(chan struct{}),
	}

	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
	s.Participants.Set(mixer.ParticipantCount())

	go s.consume(r)

	queue := audio.NewFrameQueue(s.cfg.QueueDepth, s.metrics.RecordFrameDropped)
	capture := audio.NewCapture(audio.CaptureConfig{
		SampleRate: s.cfg.SampleRate,
		BlockSize:  s.cfg.BlockSize,
		Realtime:   s.cfg.Realtime,
	}, mixer, queue, func(level float64) {
		s.InputLevel.Set(level)
		s.metrics.SetInputLevel(level)
	}, s.logger.With(slog.String("component", "capture")))

	go func() {
		defer close(r.captureDone)
		if err := capture.Run(captureCtx); err != nil {
			s.logger.Error("Audio capture failed", slog.String("error", err.Error()))
			s.fail(fmt.Errorf("%w: %v", ErrCaptureUnavailable, err))
		}
	}()

	segmenter := s.newSegmenter(room, tr)
	go func() {
		defer close(r.segmentDone)
		for block := range queue.Frames() {
			segmenter.Append(block)
		}
		segmenter.Flush()
	}()

	s.setStatus(StatusRecording, "Recording")
	s.logger.Info("Session started",
		slog.String("room", room.SID),
		slog.String("strategy", string(s.cfg.Strategy)),
	)
	return nil
}

func (s *Session) newSegmenter(room transport.Room, tr transport.Transport) audio.Segmenter {
	seq := &audio.Sequence{}
	sink := func(chunk audio.Chunk) {
		s.metrics.RecordChunkEmitted(chunk.Format, chunk.Duration().Seconds(), len(chunk.Data))
		tr.Send(chunk)
	}

	if s.cfg.Strategy == StrategyUpload {
		return audio.NewSlicedRecorder(audio.SliceConfig{
			RoomSID:       room.SID,
			SampleRate:    s.cfg.SampleRate,
			ChunkDuration: s.cfg.ChunkDuration,
			SafetyMargin:  s.cfg.SafetyMargin,
			MinBytes:      s.cfg.MinChunkBytes,
			OnReject:      func(int) { s.metrics.RecordChunkRejected() },
		}, seq, sink, s.logger.With(slog.String("component", "recorder")))
	}
	return audio.NewSampleBuffer(room.SID, s.cfg.SampleRate, s.cfg.TargetChunkSamples, seq, sink)
}

// consume applies transport events to the observable state until the
// transport closes its event channel.
func (s *Session) consume(r *run) {
	defer close(r.consumerDone)

	for ev := range r.transport.Events() {
		switch ev.Kind {
		case transport.EventTranscript:
			if ev.Final {
				s.appendSegment(Segment{
					Text:       ev.Text,
					ChunkIndex: ev.ChunkIndex,
					Confidence: ev.Confidence,
					ReceivedAt: time.Now(),
				})
				s.Partial.Set("")
				if ev.Confidence > 0 {
					s.Confidence.Set(ev.Confidence)
				}
			} else {
				s.Partial.Set(ev.Text)
			}
		case transport.EventPending:
			s.Pending.Set(ev.Pending)
		case transport.EventState:
			switch ev.State {
			case transport.StateReconnecting:
				s.setStatus(StatusReconnecting, "Connection lost, reconnecting...")
			case transport.StateRecording:
				if s.Status.Get() == StatusReconnecting {
					s.setStatus(StatusRecording, "Recording")
				}
			}
		case transport.EventError:
			if st := s.Status.Get(); st == StatusFinalizing || st == StatusError {
				s.logger.Warn("Transport error after session ended", slog.String("error", ev.Err.Error()))
				continue
			}
			s.fail(ev.Err)
		}
	}
}

func (s *Session) appendSegment(seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Segments.Get()
	next := make([]Segment, len(prev), len(prev)+1)
	copy(next, prev)
	s.Segments.Set(append(next, seg))
}

// AddParticipant attaches a remote participant's audio to the mix. Without
// a running session it does nothing.
func (s *Session) AddParticipant(id string, track audio.Track) error {
	r := s.active()
	if r == nil {
		s.logger.Debug("No active session, ignoring participant", slog.String("participant", id))
		return nil
	}
	if err := r.mixer.AddSource(id, track); err != nil {
		return err
	}
	s.Participants.Set(r.mixer.ParticipantCount())
	return nil
}

// RemoveParticipant detaches a remote participant. Without a running
// session it does nothing.
func (s *Session) RemoveParticipant(id string) {
	r := s.active()
	if r == nil {
		return
	}
	r.mixer.RemoveSource(id)
	s.Participants.Set(r.mixer.ParticipantCount())
}

func (s *Session) active() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CaptureDone is closed when capture of the running session ends, because
// the local source ended or Stop was called. It is nil when no session runs.
func (s *Session) CaptureDone() <-chan struct{} {
	r := s.active()
	if r == nil {
		return nil
	}
	return r.captureDone
}

// Stop ends the running session: capture stops, buffered audio is flushed
// to the transport, the mixer is released and the transport is finalized.
// The mixer is released whatever happens on the network.
//
// When the backend returns no result the transcript is assembled from the
// segments received live and Result.Local is set.
func (s *Session) Stop(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil, ErrNotActive
	}

	failed := s.Status.Get() == StatusError
	if !failed {
		s.setStatus(StatusFinalizing, "Finalizing transcription...")
	}

	r.cancel()
	r.mixer.Shutdown()
	<-r.captureDone
	<-r.segmentDone

	var (
		res *transport.Result
		err error
	)
	if !failed {
		res, err = r.transport.Finish(ctx)
	}
	_ = r.transport.Close()
	<-r.consumerDone

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.metrics.RecordSessionFinished(time.Since(r.started).Seconds())

	if failed {
		return nil, s.Err()
	}
	if err != nil && ctx.Err() != nil {
		s.fail(err)
		return nil, err
	}
	if err != nil {
		s.logger.Warn("Finalize failed, using live transcript", slog.String("error", err.Error()))
	}

	result := &Result{}
	if res != nil {
		result.Result = *res
	}
	if result.FullTranscription == "" {
		result.FullTranscription = s.joined()
		result.Local = true
	}

	s.Partial.Set("")
	s.Pending.Set(0)
	s.setStatus(StatusCompleted, "Transcription complete")
	s.logger.Info("Session stopped",
		slog.String("room", r.room.SID),
		slog.Int("segments", len(s.Segments.Get())),
		slog.Bool("local_result", result.Local),
	)
	return result, nil
}

func (s *Session) joined() string {
	segments := s.Segments.Get()
	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		texts = append(texts, seg.Text)
	}
	return strings.Join(texts, " ")
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Status:       s.Status.Get(),
		StatusText:   s.StatusText.Get(),
		Strategy:     s.cfg.Strategy,
		Segments:     s.Segments.Get(),
		Partial:      s.Partial.Get(),
		Pending:      s.Pending.Get(),
		Participants: s.Participants.Get(),
		InputLevel:   s.InputLevel.Get(),
		Confidence:   s.Confidence.Get(),
	}
	if r := s.active(); r != nil {
		snap.RoomSID = r.room.SID
		snap.RoomName = r.room.Name
		snap.StartedAt = r.started
	}
	if err := s.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}
