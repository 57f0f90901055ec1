// Package transport delivers audio chunks to the transcription backend.
//
// Two strategies implement Transport. Uploader posts each chunk as an
// independent multipart request with bounded retries and a finalize call at
// the end. Streamer keeps one websocket open, streams small PCM frames and
// receives incremental transcripts, reconnecting a bounded number of times
// when the channel drops.
//
// Both report what happens through an Events channel that is closed by Close.
package transport
