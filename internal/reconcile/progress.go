package reconcile

import "github.com/skypro1111/meeting-transcriber/internal/transcription"

// Progress maps a job snapshot and the number of polls so far to a coarse
// percentage and a status message. The backend reports discrete stages, not
// progress, so the percentage grows with the poll count within a stage.
// When the snapshot does not change the estimate, previous is returned.
func Progress(snap *transcription.JobSnapshot, polls, previous int) (int, string) {
	base := min(polls*3, 25)

	switch {
	case snap.Done():
		return 100, "Done"
	case snap == nil || snap.Transcription == nil:
		return base, "Waiting for the room to be processed"
	case snap.Transcription.Status == transcription.StatusPending:
		return base + 10, "Fetching recordings"
	case snap.Transcription.Status == transcription.StatusProcessing:
		return 40 + base, "Transcribing audio"
	case snap.Transcription.Status == transcription.StatusCompleted &&
		snap.Summary != nil && snap.Summary.Status == transcription.StatusProcessing:
		return 75, "Generating summary"
	}
	return previous, ""
}

// WaitProgress is the percentage shown while waiting for streamed chunks to
// finish processing.
func WaitProgress(attempt int) int {
	return 20 + min(attempt, 50)
}

const (
	// SummaryProgress is shown once finalize-with-summary has been requested.
	SummaryProgress = 70
	// DoneProgress is shown when a result is available.
	DoneProgress = 100
)
