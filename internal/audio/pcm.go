package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the capture rate expected by the transcription backend.
	DefaultSampleRate = 16000

	// DefaultBlockSize is the number of samples delivered per capture callback.
	DefaultBlockSize = 4096

	// DefaultTargetChunkSamples is 250ms of audio at DefaultSampleRate.
	DefaultTargetChunkSamples = 4000

	// FormatPCM16 marks chunks carrying raw little-endian 16-bit mono samples.
	FormatPCM16 = "pcm_s16le"

	// FormatWAV marks chunks carrying a complete WAV file.
	FormatWAV = "wav"
)

// EncodePCM16 converts float samples in [-1.0, 1.0] to signed 16-bit PCM.
// Samples are clamped before scaling; negative values scale by 32768 and
// non-negative values by 32767, so the output always fits in int16.
func EncodePCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			continue
		}
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// PCM16Bytes serializes samples as little-endian 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SamplesDuration returns the play time of n mono samples at sampleRate.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
