package transcription

import "time"

// StageStatus is the state of one backend pipeline stage.
type StageStatus string

const (
	StatusPending    StageStatus = "PENDING"
	StatusProcessing StageStatus = "PROCESSING"
	StatusCompleted  StageStatus = "COMPLETED"
	StatusFailed     StageStatus = "FAILED"
)

// Terminal reports whether the stage will not change again.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TranscriptionStage is the speech-to-text stage of a room job.
type TranscriptionStage struct {
	RoomSID       string      `json:"roomSid"`
	RoomName      *string     `json:"roomName"`
	Transcription string      `json:"transcription"`
	Duration      float64     `json:"duration"`
	ProcessedAt   string      `json:"processedAt"`
	Status        StageStatus `json:"status"`
}

// Summary is the summarization stage of a room job. The same shape is
// returned inline by finalize-with-summary, where Status may be empty.
type Summary struct {
	RoomSID               string      `json:"roomSid,omitempty"`
	RoomName              *string     `json:"roomName,omitempty"`
	Summary               string      `json:"summary"`
	GeneralSummary        *string     `json:"generalSummary"`
	TopicsDiscussed       []string    `json:"topicsDiscussed"`
	DecisionsMade         []string    `json:"decisionsMade"`
	NextSteps             []string    `json:"nextSteps"`
	ParticipantsMentioned []string    `json:"participantsMentioned"`
	IssuesRaised          []string    `json:"issuesRaised"`
	OverallSentiment      *string     `json:"overallSentiment"`
	ProcessedAt           string      `json:"processedAt,omitempty"`
	Status                StageStatus `json:"status,omitempty"`
}

// JobSnapshot is one polled view of GET /rooms/{roomSid}/full.
type JobSnapshot struct {
	RoomSID       string              `json:"roomSid"`
	Transcription *TranscriptionStage `json:"transcription"`
	Summary       *Summary            `json:"summary"`
	Status        string              `json:"status,omitempty"`
}

// Done reports whether both stages have reached a terminal state.
func (s *JobSnapshot) Done() bool {
	if s == nil || s.Transcription == nil || s.Summary == nil {
		return false
	}
	return s.Transcription.Status.Terminal() && s.Summary.Status.Terminal()
}

// ChunkUpload is one audio chunk submitted to the ingestion endpoint.
type ChunkUpload struct {
	RoomSID    string
	ChunkIndex int
	Audio      []byte
	Filename   string
	HasOverlap bool
}

// ChunkResponse is the ingestion endpoint's reply. Transcription is only
// filled by backends that transcribe chunks synchronously.
type ChunkResponse struct {
	ChunkIndex    int    `json:"chunkIndex"`
	Transcription string `json:"transcription,omitempty"`
}

// FinalizeRequest is the body of both finalize calls.
type FinalizeRequest struct {
	RoomSID  string  `json:"roomSid"`
	RoomName *string `json:"roomName,omitempty"`
}

// FinalizeResponse is returned by finalize and finalize-with-summary.
type FinalizeResponse struct {
	FullTranscription string   `json:"fullTranscription"`
	Summary           *Summary `json:"summary,omitempty"`
}

// StreamingStatus is the body of GET /transcription/partial/{roomSid}.
type StreamingStatus struct {
	RoomSID       string `json:"roomSid,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Status        struct {
		ProcessedChunks  int `json:"processedChunks"`
		ActiveProcessing int `json:"activeProcessing"`
	} `json:"status"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}
