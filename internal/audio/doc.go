// Package audio handles capture-side audio processing for a call session.
// It mixes participant tracks on a single bus, converts float samples to
// 16-bit PCM, and cuts the captured stream into transport-ready chunks using
// either a sample-accumulating buffer or a timer-sliced recorder.
package audio
