package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-transcriber/internal/reconcile"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

// NewResultCmd polls the stored result of a room until it settles.
func NewResultCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "result <roomSid>",
		Short: "Poll a processed room until its transcription and summary are ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := NewFormatter(cmd.OutOrStdout())

			client, err := deps.client()
			if err != nil {
				return err
			}
			defer client.Close()

			waiting := false
			snap, err := newPoller(deps, client).PollFullResult(cmd.Context(), args[0], func(u reconcile.Update) {
				if transcription.IsNotFound(u.PollErr) {
					if !waiting {
						f.Info("Room not processed yet, waiting for the backend")
						waiting = true
					}
					return
				}
				f.Progress(u.Progress, u.Message)
			})
			if errors.Is(err, reconcile.ErrStageFailed) {
				f.Error(err.Error())
				return err
			}
			if err != nil {
				return fmt.Errorf("polling %s: %w", args[0], err)
			}

			if snap.Transcription != nil {
				f.Transcript(snap.Transcription.Transcription)
			}
			f.Summary(snap.Summary)
			return nil
		},
	}
}

// NewFinalizeCmd waits for a streamed room to finish processing and then
// requests its full transcription and summary.
func NewFinalizeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <roomSid>",
		Short: "Finalize a streamed room and generate its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := NewFormatter(cmd.OutOrStdout())

			client, err := deps.client()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := newPoller(deps, client).FinalizeStreaming(cmd.Context(), args[0], deps.Config.Session.RoomName, f.Progress)
			if err != nil {
				return err
			}

			f.Transcript(resp.FullTranscription)
			f.Summary(resp.Summary)
			return nil
		},
	}
}
