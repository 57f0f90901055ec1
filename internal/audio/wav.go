package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wavHeader is the canonical 44-byte header written for PCM-16 mono audio.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

const wavHeaderSize = 44

// EncodeWAV wraps PCM-16 mono samples in a WAV container. The timer-sliced
// recorder uses it so every uploaded chunk is a self-describing file.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(PCM16Bytes(samples))

	return buf.Bytes(), nil
}

// DecodeWAV reads a PCM-16 WAV file and returns mono float samples in
// [-1, 1] plus the sample rate. Stereo input is averaged down to mono.
// Unknown chunks between "fmt " and "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	var (
		channels   int
		sampleRate int
		bits       int
		haveFormat bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			if format := binary.LittleEndian.Uint16(data[body:]); format != 1 {
				return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFormat = true
		case "data":
			if !haveFormat {
				return nil, 0, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			if bits != 16 {
				return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", bits)
			}
			if channels < 1 || channels > 2 {
				return nil, 0, fmt.Errorf("unsupported channel count: %d", channels)
			}
			return decodePCM16(data[body:body+size], channels), sampleRate, nil
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}

	return nil, 0, fmt.Errorf("invalid WAV file: missing data chunk")
}

func decodePCM16(raw []byte, channels int) []float32 {
	frames := len(raw) / (2 * channels)
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			s := int16(binary.LittleEndian.Uint16(raw[off:]))
			if s < 0 {
				sum += float32(s) / 32768
			} else {
				sum += float32(s) / 32767
			}
		}
		out[i] = sum / float32(channels)
	}
	return out
}
