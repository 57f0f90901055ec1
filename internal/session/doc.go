// Package session runs one recording session: it owns the mixing bus, the
// capture loop, the chunk segmenter and a transport, and publishes the
// session's status and transcript as observable state.
//
// A Session is created explicitly and passed to whoever needs it. There is
// no process-wide session.
package session
