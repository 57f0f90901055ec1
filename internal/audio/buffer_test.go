package audio

import (
	"encoding/binary"
	"testing"
)

type chunkCollector struct {
	chunks []Chunk
}

func (c *chunkCollector) sink(chunk Chunk) {
	c.chunks = append(c.chunks, chunk)
}

func block(n int, v int16) []int16 {
	b := make([]int16, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestSampleBufferEmitsAtTarget(t *testing.T) {
	var out chunkCollector
	seq := &Sequence{}
	buf := NewSampleBuffer("RM1", 16000, 4000, seq, out.sink)

	// 1024-sample blocks: the fourth block crosses the 4000 target
	for i := 0; i < 3; i++ {
		buf.Append(block(1024, int16(i)))
	}
	if len(out.chunks) != 0 {
		t.Fatalf("Expected no chunk below target, got %d", len(out.chunks))
	}
	buf.Append(block(1024, 3))

	if len(out.chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(out.chunks))
	}
	chunk := out.chunks[0]
	if chunk.Samples != 4096 {
		t.Errorf("Expected 4096 samples (whole blocks), got %d", chunk.Samples)
	}
	if len(chunk.Data) != 4096*2 {
		t.Errorf("Expected %d bytes, got %d", 4096*2, len(chunk.Data))
	}
	if chunk.Format != FormatPCM16 {
		t.Errorf("Expected format %s, got %s", FormatPCM16, chunk.Format)
	}
	if chunk.RoomSID != "RM1" {
		t.Errorf("Expected room RM1, got %s", chunk.RoomSID)
	}
	// Blocks are concatenated in order
	if v := int16(binary.LittleEndian.Uint16(chunk.Data[3072*2:])); v != 3 {
		t.Errorf("Expected last block value 3, got %d", v)
	}
	if buf.Buffered() != 0 {
		t.Errorf("Expected empty buffer after emit, got %d", buf.Buffered())
	}
}

func TestSampleBufferIndicesStrictlyIncreasing(t *testing.T) {
	var out chunkCollector
	seq := &Sequence{}
	buf := NewSampleBuffer("RM1", 16000, 4000, seq, out.sink)

	for i := 0; i < 50; i++ {
		buf.Append(block(4096, 1))
	}
	buf.Append(block(100, 1))
	buf.Flush()

	if len(out.chunks) != 51 {
		t.Fatalf("Expected 51 chunks, got %d", len(out.chunks))
	}
	for i, chunk := range out.chunks {
		if chunk.Index != i {
			t.Fatalf("Expected index %d, got %d", i, chunk.Index)
		}
	}
	if last := out.chunks[50]; last.Samples != 100 {
		t.Errorf("Expected flushed remainder of 100 samples, got %d", last.Samples)
	}
	if seq.Peek() != 51 {
		t.Errorf("Expected next index 51, got %d", seq.Peek())
	}
}

func TestSampleBufferCopiesBlocks(t *testing.T) {
	var out chunkCollector
	buf := NewSampleBuffer("RM1", 16000, 4, &Sequence{}, out.sink)

	b := block(2, 7)
	buf.Append(b)
	b[0] = 99
	buf.Append(block(2, 7))

	if v := int16(binary.LittleEndian.Uint16(out.chunks[0].Data)); v != 7 {
		t.Errorf("Expected buffered block to be copied (7), got %d", v)
	}
}

func TestSampleBufferFlushEmpty(t *testing.T) {
	var out chunkCollector
	seq := &Sequence{}
	buf := NewSampleBuffer("RM1", 16000, 4000, seq, out.sink)

	buf.Flush()
	buf.Append(nil)

	if len(out.chunks) != 0 {
		t.Errorf("Expected no chunks, got %d", len(out.chunks))
	}
	if seq.Peek() != 0 {
		t.Errorf("Expected no index consumed, got %d", seq.Peek())
	}
}
