package audio

import (
	"log/slog"
	"time"
)

// SliceConfig configures a SlicedRecorder.
type SliceConfig struct {
	RoomSID       string
	SampleRate    int
	ChunkDuration time.Duration // Target length of one capture unit
	SafetyMargin  time.Duration // Subtracted from ChunkDuration when slicing
	MinBytes      int           // Encoded chunks at or below this size are dropped

	// Now is the clock used to time capture units. Defaults to time.Now.
	Now func() time.Time

	// OnReject is called with the encoded size of every dropped chunk.
	OnReject func(size int)
}

// SlicedRecorder is the segmenter used by the upload transport. It runs
// back-to-back capture units of ChunkDuration-SafetyMargin wall time, encodes
// each finished unit as a WAV file and forwards it unless it is near-empty.
// The next unit starts with the very next block, so nothing is lost between
// units.
type SlicedRecorder struct {
	cfg    SliceConfig
	seq    *Sequence
	sink   ChunkSink
	logger *slog.Logger

	unit      []int16
	unitStart time.Time
	rejected  int
}

// NewSlicedRecorder creates a timer-sliced recorder.
func NewSlicedRecorder(cfg SliceConfig, seq *Sequence, sink ChunkSink, logger *slog.Logger) *SlicedRecorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 10 * time.Second
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= cfg.ChunkDuration {
		cfg.SafetyMargin = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlicedRecorder{
		cfg:    cfg,
		seq:    seq,
		sink:   sink,
		logger: logger,
	}
}

// Append implements Segmenter.
func (r *SlicedRecorder) Append(block []int16) {
	if len(block) == 0 {
		return
	}
	now := r.cfg.Now()
	if r.unit == nil {
		r.unitStart = now
		r.unit = make([]int16, 0, r.cfg.SampleRate*int(r.cfg.ChunkDuration/time.Second+1))
	}
	r.unit = append(r.unit, block...)

	if now.Sub(r.unitStart) >= r.cfg.ChunkDuration-r.cfg.SafetyMargin {
		r.cut()
	}
}

// Flush implements Segmenter.
func (r *SlicedRecorder) Flush() {
	if len(r.unit) > 0 {
		r.cut()
	}
}

// Rejected returns the number of units dropped for being near-empty.
func (r *SlicedRecorder) Rejected() int {
	return r.rejected
}

func (r *SlicedRecorder) cut() {
	samples := r.unit
	r.unit = nil

	data, err := EncodeWAV(samples, r.cfg.SampleRate)
	if err != nil {
		r.logger.Error("Failed to encode capture unit", slog.String("error", err.Error()))
		return
	}

	if len(data) <= r.cfg.MinBytes {
		r.rejected++
		r.logger.Debug("Dropping near-empty capture unit",
			slog.Int("bytes", len(data)),
			slog.Int("min_bytes", r.cfg.MinBytes),
		)
		if r.cfg.OnReject != nil {
			r.cfg.OnReject(len(data))
		}
		return
	}

	r.sink(Chunk{
		Index:      r.seq.Next(),
		RoomSID:    r.cfg.RoomSID,
		Data:       data,
		Format:     FormatWAV,
		Samples:    len(samples),
		SampleRate: r.cfg.SampleRate,
		CreatedAt:  r.cfg.Now(),
	})
}
