package audio

import "math"

// Level returns the RMS energy of a PCM block normalized to [0, 1].
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy/float64(len(samples))) / 32768
	if rms > 1 {
		rms = 1
	}
	return rms
}

// LevelMeter smooths block levels for display and reports voice activity
// once the smoothed level crosses a threshold.
type LevelMeter struct {
	threshold float64
	smoothing float64
	current   float64
	primed    bool
}

// NewLevelMeter creates a meter. smoothing is the weight of the newest block.
func NewLevelMeter(threshold, smoothing float64) *LevelMeter {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 0.5
	}
	return &LevelMeter{threshold: threshold, smoothing: smoothing}
}

// Observe feeds one block and returns the smoothed level.
func (m *LevelMeter) Observe(samples []int16) float64 {
	level := Level(samples)
	if !m.primed {
		m.current = level
		m.primed = true
	} else {
		m.current = m.smoothing*level + (1-m.smoothing)*m.current
	}
	return m.current
}

// Level returns the last smoothed level.
func (m *LevelMeter) Level() float64 {
	return m.current
}

// Active reports whether the smoothed level is at or above the threshold.
func (m *LevelMeter) Active() bool {
	return m.primed && m.current >= m.threshold
}
