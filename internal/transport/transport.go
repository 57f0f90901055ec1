package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skypro1111/meeting-transcriber/internal/audio"
	"github.com/skypro1111/meeting-transcriber/internal/protocol"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

var (
	// ErrNotConnected is returned when an operation needs an open channel.
	ErrNotConnected = errors.New("transport: channel not open")

	// ErrReconnectExhausted is reported once the reconnect budget is spent.
	// The session is abandoned; nothing retries after it.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Room identifies the backend session a transport feeds.
type Room struct {
	SID  string
	Name string
}

// ConnState is the connection lifecycle of a transport.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateRecording    ConnState = "recording"
	StateReconnecting ConnState = "reconnecting"
	StateFinalizing   ConnState = "finalizing"
	StateError        ConnState = "error"
)

// EventKind discriminates Event.
type EventKind int

const (
	// EventTranscript carries recognized text, partial or final.
	EventTranscript EventKind = iota + 1
	// EventState reports a connection state change.
	EventState
	// EventPending reports the number of chunks still in flight.
	EventPending
	// EventError reports a failure the session should surface.
	EventError
)

// Event is something a transport observed.
type Event struct {
	Kind EventKind

	// EventTranscript
	Text       string
	Final      bool
	Confidence float64
	ChunkIndex int // -1 when the backend does not say
	Words      []protocol.Word

	// EventState
	State ConnState

	// EventPending
	Pending int

	// EventError
	Err error
}

// Result is what a transport returns when a session is finalized.
type Result struct {
	FullTranscription string
	Summary           *transcription.Summary
	Stats             *protocol.SessionStats
}

// Transport is a strategy for getting chunks to the backend.
type Transport interface {
	// Open connects to the backend for room. It is called once, before
	// capture starts.
	Open(ctx context.Context, room Room) error

	// Send hands over one chunk. It never waits for the network to
	// acknowledge the chunk.
	Send(chunk audio.Chunk)

	// Finish signals the end of the session and waits, bounded, for the
	// backend's final result. A nil result with a nil error means no result
	// arrived in time.
	Finish(ctx context.Context) (*Result, error)

	// Close releases the connection and closes Events.
	Close() error

	// Events delivers what the transport observes, in order.
	Events() <-chan Event
}

// emitter fans transport events into one buffered channel. Shutdown is two
// phase: stop unblocks pending senders and drops later events, close closes
// the channel once no goroutine can emit any more.
type emitter struct {
	mu     sync.RWMutex
	ch     chan Event
	done   chan struct{}
	closed bool
	stop   sync.Once
	end    sync.Once
}

func newEmitter(size int) *emitter {
	return &emitter{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

func (e *emitter) halt() {
	e.stop.Do(func() { close(e.done) })
}

func (e *emitter) close() {
	e.halt()
	e.end.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
