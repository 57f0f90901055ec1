// Package transcription implements the HTTP client for the transcription
// backend: multipart chunk ingestion, finalization with and without summary,
// streaming status and the two-stage job snapshot used by the pull path.
package transcription
