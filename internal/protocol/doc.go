// Package protocol implements the JSON envelopes exchanged over the streaming
// transcription channel. Every message is an object with a "type"
// discriminator; client and server messages are closed sets, and unknown
// server types decode to Unknown so callers can ignore them.
package protocol
