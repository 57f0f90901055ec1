package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/meeting-transcriber/internal/audio"
	"github.com/skypro1111/meeting-transcriber/internal/metrics"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

// ChunkAPI is the part of the backend REST API the uploader needs.
type ChunkAPI interface {
	UploadChunk(ctx context.Context, chunk transcription.ChunkUpload) (*transcription.ChunkResponse, error)
	Finalize(ctx context.Context, roomSID string) (*transcription.FinalizeResponse, error)
}

// UploaderConfig contains upload-per-chunk parameters.
type UploaderConfig struct {
	MaxRetries    int           // Retries after the first attempt
	RetryBackoff  time.Duration // Multiplied by the retry number
	MaxConcurrent int           // Uploads in flight at once
	MaxPending    int           // Pending chunks above which a backlog warning is logged
	SettleDelay   time.Duration // Wait before retrying failed chunks at finish
	DrainTimeout  time.Duration // Upper bound on waiting for pending uploads at finish
}

// Uploader sends every chunk as its own multipart upload. Chunks that
// exhaust their retries are held in a failed set and get exactly one more
// attempt when the session finishes. A chunk that fails while the session
// is finishing gets that attempt right away.
type Uploader struct {
	cfg     UploaderConfig
	api     ChunkAPI
	metrics *metrics.Metrics
	logger  *slog.Logger
	events  *emitter
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	room      Room
	open      bool
	finishing bool
	pending   map[int]struct{}
	failed    map[int]audio.Chunk
	dropped   []int
}

// NewUploader creates an upload transport.
func NewUploader(cfg UploaderConfig, api ChunkAPI, m *metrics.Metrics, logger *slog.Logger) *Uploader {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxPending < cfg.MaxConcurrent {
		cfg.MaxPending = cfg.MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		cfg:     cfg,
		api:     api,
		metrics: m,
		logger:  logger.With(slog.String("transport", "upload")),
		events:  newEmitter(256),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int]struct{}),
		failed:  make(map[int]audio.Chunk),
	}
}

// Events implements Transport.
func (u *Uploader) Events() <-chan Event {
	return u.events.ch
}

// Open implements Transport. The upload strategy has no connection to
// establish; it only records the room.
func (u *Uploader) Open(ctx context.Context, room Room) error {
	if room.SID == "" {
		return fmt.Errorf("transport: room id is required")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.open {
		return fmt.Errorf("transport: uploader already open")
	}
	u.room = room
	u.open = true

	u.logger.Info("Upload transport ready", slog.String("room", room.SID))
	return nil
}

// Send implements Transport.
func (u *Uploader) Send(chunk audio.Chunk) {
	u.mu.Lock()
	if !u.open {
		u.mu.Unlock()
		u.logger.Warn("Upload transport not open, dropping chunk", slog.Int("chunk", chunk.Index))
		return
	}
	if chunk.RoomSID == "" {
		chunk.RoomSID = u.room.SID
	}
	u.pending[chunk.Index] = struct{}{}
	pending := len(u.pending)
	u.wg.Add(1)
	u.mu.Unlock()

	if pending > u.cfg.MaxPending {
		u.logger.Warn("Upload backlog growing",
			slog.Int("chunk", chunk.Index),
			slog.Int("pending", pending),
			slog.Int("limit", u.cfg.MaxPending),
		)
	}

	u.publishBacklog()
	go u.deliver(chunk, u.cfg.MaxRetries, false)
}

// deliver uploads one chunk with up to retries retries. Only retryable
// errors are retried. On failure the chunk goes to the failed set, or is
// dropped for good when last is set.
func (u *Uploader) deliver(chunk audio.Chunk, retries int, last bool) {
	defer u.wg.Done()

	select {
	case u.sem <- struct{}{}:
		defer func() { <-u.sem }()
	case <-u.ctx.Done():
		u.settle(chunk, u.ctx.Err(), last)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := u.cfg.RetryBackoff * time.Duration(attempt)
			u.logger.Debug("Retrying chunk upload",
				slog.Int("chunk", chunk.Index),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			if !sleepCtx(u.ctx, backoff) {
				lastErr = u.ctx.Err()
				break
			}
		}

		start := time.Now()
		resp, err := u.api.UploadChunk(u.ctx, transcription.ChunkUpload{
			RoomSID:    chunk.RoomSID,
			ChunkIndex: chunk.Index,
			Audio:      chunk.Data,
			Filename:   chunkFilename(chunk),
		})
		u.metrics.RecordUploadAttempt(time.Since(start).Seconds(), attempt > 0)

		if err == nil {
			u.succeed(chunk, resp)
			return
		}

		lastErr = err
		u.logger.Debug("Chunk upload failed",
			slog.Int("chunk", chunk.Index),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if !transcription.IsRetryable(err) {
			break
		}
	}

	u.settle(chunk, lastErr, last)
}

func (u *Uploader) succeed(chunk audio.Chunk, resp *transcription.ChunkResponse) {
	u.mu.Lock()
	delete(u.pending, chunk.Index)
	u.mu.Unlock()

	u.metrics.RecordUploadSuccess()
	u.logger.Debug("Chunk uploaded",
		slog.Int("chunk", chunk.Index),
		slog.Int("bytes", len(chunk.Data)),
	)

	if resp != nil && resp.Transcription != "" {
		u.events.emit(Event{
			Kind:       EventTranscript,
			Text:       resp.Transcription,
			Final:      true,
			ChunkIndex: chunk.Index,
		})
	}
	u.publishBacklog()
}

func (u *Uploader) settle(chunk audio.Chunk, err error, last bool) {
	retryNow := false
	u.mu.Lock()
	delete(u.pending, chunk.Index)
	switch {
	case last:
		u.dropped = append(u.dropped, chunk.Index)
	case u.finishing:
		// Finish already collected the failed set.
		u.pending[chunk.Index] = struct{}{}
		u.wg.Add(1)
		retryNow = true
	default:
		u.failed[chunk.Index] = chunk
	}
	u.mu.Unlock()

	u.metrics.RecordUploadFailure()
	reason := "cancelled"
	if err != nil {
		reason = err.Error()
	}
	if retryNow {
		u.logger.Warn("Chunk upload failed during finalize, retrying once",
			slog.Int("chunk", chunk.Index),
			slog.String("error", reason),
		)
		u.publishBacklog()
		go u.deliver(chunk, 0, true)
		return
	}
	if last {
		u.logger.Warn("Dropping chunk after final retry",
			slog.Int("chunk", chunk.Index),
			slog.String("error", reason),
		)
	} else {
		u.logger.Warn("Chunk upload failed, holding for finalize",
			slog.Int("chunk", chunk.Index),
			slog.String("error", reason),
		)
	}
	u.publishBacklog()
}

func (u *Uploader) publishBacklog() {
	u.mu.Lock()
	pending, failed := len(u.pending), len(u.failed)
	u.mu.Unlock()

	u.metrics.SetUploadBacklog(pending, failed)
	u.events.emit(Event{Kind: EventPending, Pending: pending})
}

// Finish implements Transport: settle, retry every failed chunk once, wait
// for the pending set to drain (bounded), then ask the backend to finalize.
func (u *Uploader) Finish(ctx context.Context) (*Result, error) {
	u.mu.Lock()
	if !u.open {
		u.mu.Unlock()
		return nil, ErrNotConnected
	}
	u.open = false
	room := u.room
	u.mu.Unlock()

	u.events.emit(Event{Kind: EventState, State: StateFinalizing})

	if !sleepCtx(ctx, u.cfg.SettleDelay) {
		return nil, ctx.Err()
	}

	u.mu.Lock()
	u.finishing = true
	retry := make([]audio.Chunk, 0, len(u.failed))
	for _, chunk := range u.failed {
		retry = append(retry, chunk)
	}
	for _, chunk := range retry {
		delete(u.failed, chunk.Index)
		u.pending[chunk.Index] = struct{}{}
		u.wg.Add(1)
	}
	u.mu.Unlock()

	sort.Slice(retry, func(i, j int) bool { return retry[i].Index < retry[j].Index })
	if len(retry) > 0 {
		u.logger.Info("Retrying failed chunks", slog.Int("count", len(retry)))
		u.publishBacklog()
	}
	for _, chunk := range retry {
		go u.deliver(chunk, 0, true)
	}

	if !u.drain(ctx) {
		u.logger.Warn("Pending uploads did not drain before finalize",
			slog.Int("pending", u.Pending()),
			slog.Duration("timeout", u.cfg.DrainTimeout),
		)
	}

	resp, err := u.api.Finalize(ctx, room.SID)
	if err != nil {
		return nil, fmt.Errorf("transport: finalize: %w", err)
	}

	u.logger.Info("Upload session finalized",
		slog.String("room", room.SID),
		slog.Int("dropped_chunks", len(u.Dropped())),
	)
	return &Result{FullTranscription: resp.FullTranscription, Summary: resp.Summary}, nil
}

// drain waits until no upload is in flight, up to DrainTimeout.
func (u *Uploader) drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	timeout := u.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = time.Nanosecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close implements Transport. Uploads still in flight are cancelled.
func (u *Uploader) Close() error {
	u.mu.Lock()
	u.open = false
	u.mu.Unlock()

	u.cancel()
	u.events.halt()
	u.wg.Wait()
	u.events.close()
	return nil
}

// Pending returns the number of chunks in flight.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// Failed returns the indices held for a retry at finish, sorted.
func (u *Uploader) Failed() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return sortedKeys(u.failed)
}

// Dropped returns the indices given up on after their final retry.
func (u *Uploader) Dropped() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.dropped...)
}

func sortedKeys(m map[int]audio.Chunk) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func chunkFilename(chunk audio.Chunk) string {
	ext := "wav"
	if chunk.Format == audio.FormatPCM16 {
		ext = "pcm"
	}
	return fmt.Sprintf("chunk_%d.%s", chunk.Index, ext)
}
