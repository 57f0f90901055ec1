package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/meeting-transcriber/internal/protocol"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

// MockOptions tunes the fake backend.
type MockOptions struct {
	// FramesPerSegment is the number of streamed audio frames that make up
	// one recognized segment. One partial is sent halfway through.
	FramesPerSegment int
	// PollsPerStage is how many job snapshot polls each stage stays
	// pending and processing.
	PollsPerStage int
}

// MockBackend is an in-process transcription backend. It serves the REST
// API under /api/v1 and the streaming endpoint at /ws/transcription, and
// returns made-up text derived from what it received.
type MockBackend struct {
	opts     MockOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*mockRoom
}

type mockRoom struct {
	name     string
	chunks   map[int]string
	segments []string
	polls    int
	active   int
}

func (r *mockRoom) transcript() string {
	if len(r.segments) > 0 {
		return strings.Join(r.segments, " ")
	}
	indices := make([]int, 0, len(r.chunks))
	for i := range r.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	texts := make([]string, 0, len(indices))
	for _, i := range indices {
		texts = append(texts, r.chunks[i])
	}
	return strings.Join(texts, " ")
}

// NewMockBackend creates an empty fake backend.
func NewMockBackend(opts MockOptions, logger *slog.Logger) *MockBackend {
	if opts.FramesPerSegment <= 0 {
		opts.FramesPerSegment = 4
	}
	if opts.PollsPerStage <= 0 {
		opts.PollsPerStage = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MockBackend{
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		rooms:    make(map[string]*mockRoom),
	}
}

// Handler returns the routed backend.
func (b *MockBackend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/transcription/chunk", b.handleChunk)
	mux.HandleFunc("POST /api/v1/transcription/finalize", b.handleFinalize)
	mux.HandleFunc("POST /api/v1/transcription/finalize-with-summary", b.handleFinalizeWithSummary)
	mux.HandleFunc("GET /api/v1/transcription/partial/{roomSid}", b.handlePartial)
	mux.HandleFunc("GET /api/v1/rooms/{roomSid}/full", b.handleFull)
	mux.HandleFunc("GET /ws/transcription", b.handleStream)
	return mux
}

func (b *MockBackend) room(sid string) *mockRoom {
	r, ok := b.rooms[sid]
	if !ok {
		r = &mockRoom{chunks: make(map[int]string)}
		b.rooms[sid] = r
	}
	return r
}

// Transcript returns what the backend has recognized for a room so far.
func (b *MockBackend) Transcript(roomSID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.room(roomSID).transcript()
}

func (b *MockBackend) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	roomSID := r.FormValue("roomSid")
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if roomSID == "" || err != nil {
		http.Error(w, "roomSid and chunkIndex are required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	text := fmt.Sprintf("chunk %d", index)
	b.mu.Lock()
	b.room(roomSID).chunks[index] = text
	b.mu.Unlock()

	b.logger.Info("Chunk received",
		slog.String("room", roomSID),
		slog.Int("chunk", index),
		slog.String("filename", header.Filename),
		slog.Int64("bytes", size),
	)
	writeJSON(w, http.StatusOK, transcription.ChunkResponse{ChunkIndex: index, Transcription: text})
}

func decodeFinalize(w http.ResponseWriter, r *http.Request) (transcription.FinalizeRequest, bool) {
	var req transcription.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomSID == "" {
		http.Error(w, "roomSid is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (b *MockBackend) handleFinalize(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFinalize(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, transcription.FinalizeResponse{FullTranscription: b.Transcript(req.RoomSID)})
}

func (b *MockBackend) handleFinalizeWithSummary(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFinalize(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	room := b.room(req.RoomSID)
	if req.RoomName != nil {
		room.name = *req.RoomName
	}
	text := room.transcript()
	summary := b.summary(req.RoomSID, room, transcription.StatusCompleted)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, transcription.FinalizeResponse{FullTranscription: text, Summary: summary})
}

func (b *MockBackend) summary(roomSID string, room *mockRoom, status transcription.StageStatus) *transcription.Summary {
	general := fmt.Sprintf("Meeting with %d recognized segments.", max(len(room.segments), len(room.chunks)))
	sentiment := "neutral"
	s := &transcription.Summary{
		RoomSID:          roomSID,
		Summary:          "Summary of " + roomSID,
		GeneralSummary:   &general,
		TopicsDiscussed:  []string{},
		DecisionsMade:    []string{},
		NextSteps:        []string{},
		OverallSentiment: &sentiment,
		Status:           status,
	}
	if room.name != "" {
		name := room.name
		s.RoomName = &name
	}
	return s
}

func (b *MockBackend) handlePartial(w http.ResponseWriter, r *http.Request) {
	roomSID := r.PathValue("roomSid")

	b.mu.Lock()
	room := b.room(roomSID)
	var resp transcription.StreamingStatus
	resp.RoomSID = roomSID
	resp.Transcription = room.transcript()
	resp.Status.ProcessedChunks = max(len(room.segments), len(room.chunks))
	resp.Status.ActiveProcessing = room.active
	if room.active > 0 {
		room.active--
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// stages returns the job snapshot after polls polls: each stage is pending
// then processing for PollsPerStage polls before completing.
func (b *MockBackend) stages(roomSID string, room *mockRoom) *transcription.JobSnapshot {
	n := b.opts.PollsPerStage
	snap := &transcription.JobSnapshot{RoomSID: roomSID}

	trStatus := transcription.StatusCompleted
	switch {
	case room.polls <= n:
		trStatus = transcription.StatusPending
	case room.polls <= 2*n:
		trStatus = transcription.StatusProcessing
	}
	snap.Transcription = &transcription.TranscriptionStage{
		RoomSID: roomSID,
		Status:  trStatus,
	}
	if trStatus != transcription.StatusCompleted {
		return snap
	}
	snap.Transcription.Transcription = room.transcript()

	sumStatus := transcription.StatusCompleted
	if room.polls <= 3*n {
		sumStatus = transcription.StatusProcessing
	}
	snap.Summary = b.summary(roomSID, room, sumStatus)
	return snap
}

func (b *MockBackend) handleFull(w http.ResponseWriter, r *http.Request) {
	roomSID := r.PathValue("roomSid")

	b.mu.Lock()
	room := b.room(roomSID)
	room.polls++
	snap := b.stages(roomSID, room)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, snap)
}

func (b *MockBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	send := func(msg protocol.ServerMessage) error {
		data, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := send(protocol.Connected{}); err != nil {
		return
	}

	var (
		roomSID string
		frames  int
		total   int64
		started = time.Now()
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			_ = send(protocol.Error{Error: err.Error()})
			continue
		}

		switch m := msg.(type) {
		case protocol.Start:
			roomSID = m.RoomSID
			b.mu.Lock()
			room := b.room(roomSID)
			if m.RoomName != nil {
				room.name = *m.RoomName
			}
			b.mu.Unlock()
			_ = send(protocol.Started{RoomSID: roomSID})
			_ = send(protocol.SessionInfo{AssemblySessionID: uuid.NewString()})

		case protocol.Audio:
			if roomSID == "" {
				_ = send(protocol.Error{Error: "audio before start"})
				continue
			}
			pcm, err := m.PCM()
			if err != nil {
				_ = send(protocol.Error{Error: "invalid audio payload"})
				continue
			}
			frames++
			total += int64(len(pcm))

			half := b.opts.FramesPerSegment / 2
			switch {
			case frames%b.opts.FramesPerSegment == 0:
				b.mu.Lock()
				room := b.room(roomSID)
				text := fmt.Sprintf("segment %d", len(room.segments))
				room.segments = append(room.segments, text)
				room.active++
				b.mu.Unlock()
				_ = send(protocol.Transcript{Text: text, IsFinal: true, Confidence: 0.9})
			case half > 0 && frames%b.opts.FramesPerSegment == half:
				_ = send(protocol.Transcript{Text: "segment", IsFinal: false})
			}

		case protocol.Ping:
			_ = send(protocol.Pong{})

		case protocol.Stop:
			b.mu.Lock()
			room := b.room(roomSID)
			text := room.transcript()
			segments := len(room.segments)
			b.mu.Unlock()

			b.logger.Info("Stream stopped",
				slog.String("room", roomSID),
				slog.Int("frames", frames),
				slog.Int64("bytes", total),
			)
			_ = send(protocol.Completed{
				RoomSID:           roomSID,
				FullTranscription: text,
				Stats: &protocol.SessionStats{
					TotalChunks:      frames,
					TotalBytes:       total,
					FinalTranscripts: segments,
					DurationMs:       time.Since(started).Milliseconds(),
				},
			})
		}
	}
}
