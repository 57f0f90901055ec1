package audio

import (
	"sync"
	"time"
)

// Chunk is one transport-ready unit of encoded audio. A chunk is produced
// once by a segmenter, consumed once by a transport and then discarded.
type Chunk struct {
	Index      int
	RoomSID    string
	Data       []byte
	Format     string
	Samples    int
	SampleRate int
	CreatedAt  time.Time
}

// Duration returns the play time of the chunk.
func (c Chunk) Duration() time.Duration {
	return SamplesDuration(c.Samples, c.SampleRate)
}

// ChunkSink receives chunks as they are emitted. Implementations must not
// block the caller for network I/O.
type ChunkSink func(Chunk)

// Segmenter cuts a continuous block stream into chunks.
type Segmenter interface {
	// Append adds one captured block, emitting a chunk when a boundary is reached.
	Append(block []int16)
	// Flush emits whatever is buffered, so no audio is lost at session end.
	Flush()
}

// Sequence hands out chunk indices. Indices are strictly increasing, start at
// zero and are never reused, whatever happens to the chunk afterwards.
type Sequence struct {
	mu   sync.Mutex
	next int
}

// Next returns the next index.
func (s *Sequence) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// Peek returns the index the next chunk will receive.
func (s *Sequence) Peek() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
