package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/meeting-transcriber/internal/metrics"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

// ErrStageFailed is returned when the backend reports a FAILED
// transcription stage.
var ErrStageFailed = errors.New("reconcile: transcription failed")

// Source is the part of the backend REST API the poller reads.
type Source interface {
	GetFullResult(ctx context.Context, roomSID string) (*transcription.JobSnapshot, error)
	GetStreamingStatus(ctx context.Context, roomSID string) (*transcription.StreamingStatus, error)
	FinalizeWithSummary(ctx context.Context, roomSID, roomName string) (*transcription.FinalizeResponse, error)
}

// Config contains polling parameters.
type Config struct {
	Interval              time.Duration // Job snapshot poll interval
	ProcessingInterval    time.Duration // Streaming status poll interval
	ProcessingMaxAttempts int           // Upper bound on streaming status polls
	ForceAfterAttempts    int           // Stop waiting for chunks when none ever reported
	ErrorGiveUpAfter      int           // Stop waiting once status errors persist past this attempt
}

// Update is emitted after every poll.
type Update struct {
	// Snapshot merges every stage seen so far: a stage missing from a later
	// response keeps its last known value.
	Snapshot *transcription.JobSnapshot
	Polls    int
	Progress int
	Message  string
	// PollErr is set when this poll failed. Polling continues.
	PollErr error
}

// Poller reconciles results over the REST API.
type Poller struct {
	cfg     Config
	src     Source
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPoller creates a poller.
func NewPoller(cfg Config, src Source, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = time.Second
	}
	if cfg.ProcessingMaxAttempts <= 0 {
		cfg.ProcessingMaxAttempts = 60
	}
	if cfg.ForceAfterAttempts <= 0 {
		cfg.ForceAfterAttempts = 30
	}
	if cfg.ErrorGiveUpAfter <= 0 {
		cfg.ErrorGiveUpAfter = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:     cfg,
		src:     src,
		metrics: m,
		logger:  logger.With(slog.String("component", "reconcile")),
	}
}

// PollFullResult polls the job snapshot of roomSID every Interval until
// both stages are terminal or the transcription stage fails. onUpdate, if
// set, sees every poll including the last. Failed polls are tolerated.
//
// The returned snapshot is the one that ended polling; no further request
// is made after it.
func (p *Poller) PollFullResult(ctx context.Context, roomSID string, onUpdate func(Update)) (*transcription.JobSnapshot, error) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var (
		merged   *transcription.JobSnapshot
		progress int
		polls    int
	)
	for {
		select {
		case <-ctx.Done():
			return merged, ctx.Err()
		case <-ticker.C:
		}

		snap, err := p.src.GetFullResult(ctx, roomSID)
		p.metrics.RecordPoll("full", err)
		polls++

		if err != nil {
			if ctx.Err() != nil {
				return merged, ctx.Err()
			}
			p.logger.Warn("Polling error, will retry",
				slog.String("room", roomSID),
				slog.Int("poll", polls),
				slog.String("error", err.Error()),
			)
			progress, _ = Progress(nil, polls, progress)
			if onUpdate != nil {
				onUpdate(Update{Snapshot: merged, Polls: polls, Progress: progress, PollErr: err})
			}
			continue
		}

		merged = merge(merged, snap)
		var message string
		progress, message = Progress(merged, polls, progress)
		if onUpdate != nil {
			onUpdate(Update{Snapshot: merged, Polls: polls, Progress: progress, Message: message})
		}

		if stage := merged.Transcription; stage != nil && stage.Status == transcription.StatusFailed {
			return merged, stageError(stage)
		}
		if merged.Done() {
			p.logger.Info("Room processing finished",
				slog.String("room", roomSID),
				slog.Int("polls", polls),
			)
			return merged, nil
		}
	}
}

func merge(prev, next *transcription.JobSnapshot) *transcription.JobSnapshot {
	out := *next
	if prev != nil {
		if out.Transcription == nil {
			out.Transcription = prev.Transcription
		}
		if out.Summary == nil {
			out.Summary = prev.Summary
		}
	}
	return &out
}

func stageError(stage *transcription.TranscriptionStage) error {
	if stage.Transcription != "" {
		return fmt.Errorf("%w: %s", ErrStageFailed, stage.Transcription)
	}
	return ErrStageFailed
}

// WaitResult reports how the processing wait ended.
type WaitResult struct {
	Attempts         int
	ProcessedChunks  int
	ActiveProcessing int
	// Settled is set when the backend reported no active processing.
	// It is false when the wait gave up.
	Settled bool
}

// WaitForProcessing polls the streaming status of roomSID every
// ProcessingInterval until no chunk is being processed. It stops early
// when chunks have been processed and none are active, or after
// ForceAfterAttempts polls without any processed chunk so that a room that
// never received audio still gets finalized. Status errors are tolerated
// until ErrorGiveUpAfter. onAttempt, if set, receives the progress
// percentage after each successful poll.
func (p *Poller) WaitForProcessing(ctx context.Context, roomSID string, onAttempt func(percent int, status *transcription.StreamingStatus)) (WaitResult, error) {
	var res WaitResult

	for res.Attempts < p.cfg.ProcessingMaxAttempts {
		status, err := p.src.GetStreamingStatus(ctx, roomSID)
		p.metrics.RecordPoll("partial", err)

		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.logger.Warn("Error checking processing status",
				slog.String("room", roomSID),
				slog.Int("attempt", res.Attempts),
				slog.String("error", err.Error()),
			)
			if res.Attempts > p.cfg.ErrorGiveUpAfter {
				return res, nil
			}
		} else {
			res.ProcessedChunks = status.Status.ProcessedChunks
			res.ActiveProcessing = status.Status.ActiveProcessing
			if onAttempt != nil {
				onAttempt(WaitProgress(res.Attempts), status)
			}

			if res.ActiveProcessing == 0 && (res.ProcessedChunks > 0 || res.Attempts > p.cfg.ForceAfterAttempts) {
				res.Settled = true
				p.logger.Info("Chunk processing settled",
					slog.String("room", roomSID),
					slog.Int("processed", res.ProcessedChunks),
					slog.Int("attempts", res.Attempts),
				)
				return res, nil
			}
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(p.cfg.ProcessingInterval):
		}
		res.Attempts++
	}

	p.logger.Warn("Gave up waiting for chunk processing",
		slog.String("room", roomSID),
		slog.Int("attempts", res.Attempts),
		slog.Int("active", res.ActiveProcessing),
	)
	return res, nil
}

// FinalizeStreaming waits for processing to settle and then requests the
// full transcription with a summary. The wait never blocks finalize: when
// it gives up, finalize is requested anyway.
func (p *Poller) FinalizeStreaming(ctx context.Context, roomSID, roomName string, onProgress func(percent int, message string)) (*transcription.FinalizeResponse, error) {
	report := func(percent int, message string) {
		if onProgress != nil {
			onProgress(percent, message)
		}
	}

	report(20, "Checking processing status")
	if _, err := p.WaitForProcessing(ctx, roomSID, func(percent int, status *transcription.StreamingStatus) {
		report(percent, fmt.Sprintf("Chunks processed: %d, in progress: %d",
			status.Status.ProcessedChunks, status.Status.ActiveProcessing))
	}); err != nil {
		return nil, err
	}

	report(SummaryProgress, "Generating summary")
	resp, err := p.src.FinalizeWithSummary(ctx, roomSID, roomName)
	if err != nil {
		return nil, fmt.Errorf("reconcile: finalize with summary: %w", err)
	}
	report(DoneProgress, "Done")

	if resp.FullTranscription == "" {
		p.logger.Warn("No transcription in finalize result", slog.String("room", roomSID))
	}
	return resp, nil
}
