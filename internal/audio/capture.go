package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// FrameQueue is the bounded hand-off between the capture loop and the
// segmenter. When the consumer falls behind, the oldest block is dropped so
// the capture side never blocks. Push must only be called from one goroutine.
type FrameQueue struct {
	ch      chan []int16
	dropped atomic.Uint64
	onDrop  func()
}

// NewFrameQueue creates a queue holding at most depth blocks.
func NewFrameQueue(depth int, onDrop func()) *FrameQueue {
	if depth <= 0 {
		depth = 16
	}
	return &FrameQueue{ch: make(chan []int16, depth), onDrop: onDrop}
}

// Push enqueues a block, discarding the oldest queued block when full.
func (q *FrameQueue) Push(block []int16) {
	for {
		select {
		case q.ch <- block:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
		}
	}
}

// Frames returns the consumer side of the queue. It is closed by Close.
func (q *FrameQueue) Frames() <-chan []int16 {
	return q.ch
}

// Close ends the stream. Queued blocks remain readable.
func (q *FrameQueue) Close() {
	close(q.ch)
}

// Dropped returns the number of blocks discarded under backpressure.
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// SampleReader is the mixed-audio source read by the capture loop.
type SampleReader interface {
	Read(p []float32) (int, error)
}

// CaptureConfig configures a capture loop.
type CaptureConfig struct {
	SampleRate int
	BlockSize  int
	// Realtime paces reads at the audio clock. When false, blocks are read
	// as fast as the source delivers them.
	Realtime bool
}

// Capture pulls fixed-size blocks from the mix bus, converts them to PCM-16
// and pushes them onto a FrameQueue. It plays the role of the audio callback.
type Capture struct {
	cfg     CaptureConfig
	src     SampleReader
	queue   *FrameQueue
	meter   *LevelMeter
	onLevel func(float64)
	logger  *slog.Logger
}

// NewCapture creates a capture loop. onLevel, if set, receives the smoothed
// input level after every block.
func NewCapture(cfg CaptureConfig, src SampleReader, queue *FrameQueue, onLevel func(float64), logger *slog.Logger) *Capture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		cfg:     cfg,
		src:     src,
		queue:   queue,
		meter:   NewLevelMeter(0.02, 0.3),
		onLevel: onLevel,
		logger:  logger,
	}
}

// Run captures until ctx is cancelled or the source ends, then closes the
// queue. A source that ends or is released is a normal stop and yields nil.
func (c *Capture) Run(ctx context.Context) error {
	defer c.queue.Close()

	var tick <-chan time.Time
	if c.cfg.Realtime {
		ticker := time.NewTicker(SamplesDuration(c.cfg.BlockSize, c.cfg.SampleRate))
		defer ticker.Stop()
		tick = ticker.C
	}

	frame := make([]float32, c.cfg.BlockSize)
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		n, err := c.src.Read(frame)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrMixerClosed) {
				c.logger.Debug("Capture source ended")
				return nil
			}
			return fmt.Errorf("capture read failed: %w", err)
		}
		if n == 0 {
			continue
		}

		block := EncodePCM16(frame[:n])
		level := c.meter.Observe(block)
		if c.onLevel != nil {
			c.onLevel(level)
		}
		c.queue.Push(block)
	}
}
