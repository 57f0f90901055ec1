package audio

import (
	"io"
	"sync"
)

// SliceTrack plays back an in-memory sample buffer once. It is how a WAV
// file or a test fixture is attached to the mixer.
type SliceTrack struct {
	mu      sync.Mutex
	samples []float32
	pos     int
	closed  bool
}

// NewSliceTrack creates a track over samples. The slice is not copied.
func NewSliceTrack(samples []float32) *SliceTrack {
	return &SliceTrack{samples: samples}
}

// Read implements Track.
func (t *SliceTrack) Read(p []float32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.pos >= len(t.samples) {
		return 0, io.EOF
	}
	n := copy(p, t.samples[t.pos:])
	t.pos += n
	return n, nil
}

// Close detaches the track; subsequent reads return io.EOF.
func (t *SliceTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether the track has been disconnected.
func (t *SliceTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// PushTrack adapts a push-style media source (frames arriving from a call
// SDK callback) to the pull-style Track. At most limit samples are held;
// when a writer outpaces the mixer the oldest samples are discarded.
type PushTrack struct {
	mu      sync.Mutex
	buf     []float32
	limit   int
	dropped int
	ended   bool
	closed  bool
}

// NewPushTrack creates a push track holding at most limit samples.
func NewPushTrack(limit int) *PushTrack {
	if limit <= 0 {
		limit = DefaultSampleRate
	}
	return &PushTrack{limit: limit}
}

// Write queues samples for the mixer. Writes after End or Close are ignored.
func (t *PushTrack) Write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended || t.closed {
		return
	}
	t.buf = append(t.buf, samples...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.dropped += over
	}
}

// End marks the source as finished. Buffered samples are still delivered.
func (t *PushTrack) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}

// Read implements Track.
func (t *PushTrack) Read(p []float32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, io.EOF
	}
	n := copy(p, t.buf)
	t.buf = append(t.buf[:0], t.buf[n:]...)
	if n == 0 && t.ended {
		return 0, io.EOF
	}
	return n, nil
}

// Close implements io.Closer.
func (t *PushTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.buf = nil
	return nil
}

// Dropped returns the number of samples discarded due to overflow.
func (t *PushTrack) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
