// Package server provides the local HTTP surfaces of the transcriber: a
// status API for monitoring a running session, and an in-process mock of
// the transcription backend for end-to-end runs.
package server
