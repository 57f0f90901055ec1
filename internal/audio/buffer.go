package audio

import "time"

// SampleBuffer is the low-latency segmenter used by the streaming transport.
// It accumulates whole capture blocks and, once at least target samples are
// held, concatenates them into one raw PCM chunk and starts over.
type SampleBuffer struct {
	roomSID    string
	sampleRate int
	target     int
	seq        *Sequence
	sink       ChunkSink

	blocks   [][]int16
	buffered int
}

// NewSampleBuffer creates a buffer that emits chunks of at least target samples.
func NewSampleBuffer(roomSID string, sampleRate, target int, seq *Sequence, sink ChunkSink) *SampleBuffer {
	if target <= 0 {
		target = DefaultTargetChunkSamples
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &SampleBuffer{
		roomSID:    roomSID,
		sampleRate: sampleRate,
		target:     target,
		seq:        seq,
		sink:       sink,
	}
}

// Append implements Segmenter. The block is copied.
func (b *SampleBuffer) Append(block []int16) {
	if len(block) == 0 {
		return
	}
	b.blocks = append(b.blocks, append([]int16(nil), block...))
	b.buffered += len(block)

	if b.buffered >= b.target {
		b.Flush()
	}
}

// Flush implements Segmenter.
func (b *SampleBuffer) Flush() {
	if b.buffered == 0 {
		return
	}

	combined := make([]int16, 0, b.buffered)
	for _, block := range b.blocks {
		combined = append(combined, block...)
	}
	b.blocks = b.blocks[:0]
	b.buffered = 0

	b.sink(Chunk{
		Index:      b.seq.Next(),
		RoomSID:    b.roomSID,
		Data:       PCM16Bytes(combined),
		Format:     FormatPCM16,
		Samples:    len(combined),
		SampleRate: b.sampleRate,
		CreatedAt:  time.Now(),
	})
}

// Buffered returns the number of samples waiting for the next flush.
func (b *SampleBuffer) Buffered() int {
	return b.buffered
}
