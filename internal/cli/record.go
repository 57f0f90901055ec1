package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-transcriber/internal/audio"
	"github.com/skypro1111/meeting-transcriber/internal/config"
	"github.com/skypro1111/meeting-transcriber/internal/reconcile"
	"github.com/skypro1111/meeting-transcriber/internal/server"
	"github.com/skypro1111/meeting-transcriber/internal/session"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
	"github.com/skypro1111/meeting-transcriber/internal/transport"
)

type recordOptions struct {
	strategy string
	local    string
	roomSID  string
	remotes  []string
	realtime bool
}

// NewRecordCmd builds the stream or upload command. Both run a session
// that feeds WAV files through the mixer as if they were live tracks.
func NewRecordCmd(deps *Dependencies, strategy string) *cobra.Command {
	opts := recordOptions{strategy: strategy}

	short := "Stream audio over a persistent connection and print live transcripts"
	if strategy == config.StrategyUpload {
		short = "Upload audio in timed chunks and print chunk transcripts"
	}

	cmd := &cobra.Command{
		Use:   strategy + " <local.wav>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.local = args[0]
			return runRecording(cmd.Context(), deps, opts, NewFormatter(cmd.OutOrStdout()))
		},
	}

	cmd.Flags().StringVar(&opts.roomSID, "room", "", "Room id (generated when empty)")
	cmd.Flags().StringArrayVar(&opts.remotes, "remote", nil, "Remote participant as id=file.wav (repeatable)")
	cmd.Flags().BoolVar(&opts.realtime, "realtime", true, "Play files at the audio clock")

	return cmd
}

func runRecording(ctx context.Context, deps *Dependencies, opts recordOptions, f *Formatter) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := deps.Config
	local, err := loadTrack(opts.local, cfg.Audio.SampleRate)
	if err != nil {
		return err
	}
	remotes := make(map[string]audio.Track, len(opts.remotes))
	for _, remote := range opts.remotes {
		id, path, err := parseRemote(remote)
		if err != nil {
			return err
		}
		track, err := loadTrack(path, cfg.Audio.SampleRate)
		if err != nil {
			return err
		}
		remotes[id] = track
	}

	client, err := deps.client()
	if err != nil {
		return err
	}
	defer client.Close()

	sess := session.New(sessionConfig(cfg, opts), transportFactory(deps, opts.strategy, client), deps.Metrics, deps.Logger)

	if cfg.Status.Enabled {
		status := server.NewStatusServer(cfg.Status, deps.Logger, cfg, sess, client, deps.Metrics, deps.Registry)
		if err := status.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = status.Stop(shutdownCtx)
		}()
	}

	roomSID := opts.roomSID
	if roomSID == "" {
		roomSID = "RM_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	room := transport.Room{SID: roomSID, Name: cfg.Session.RoomName}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		watch(watchCtx, sess, f)
	}()
	defer func() {
		stopWatch()
		<-watched
	}()

	if err := sess.Start(ctx, room, local); err != nil {
		return err
	}
	started := time.Now()
	f.RecordingStarted(room.SID, session.Strategy(opts.strategy))

	for id, track := range remotes {
		if err := sess.AddParticipant(id, track); err != nil {
			f.Warning(fmt.Sprintf("Could not add participant %s: %v", id, err))
		}
	}

	select {
	case <-ctx.Done():
	case <-sess.CaptureDone():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout(cfg))
	defer cancel()

	result, err := sess.Stop(stopCtx)
	stopWatch()
	<-watched
	f.RecordingStopped(time.Since(started))
	if err != nil {
		return fmt.Errorf("session ended with error: %w", err)
	}

	if opts.strategy == config.StrategyStream && result.Local {
		f.Info("No streaming result, finalizing through the backend")
		resp, err := newPoller(deps, client).FinalizeStreaming(stopCtx, room.SID, room.Name, f.Progress)
		if err != nil {
			f.Warning(fmt.Sprintf("Finalize failed, showing live transcript: %v", err))
		} else {
			result.FullTranscription = resp.FullTranscription
			result.Summary = resp.Summary
		}
	}

	f.Transcript(result.FullTranscription)
	f.Summary(result.Summary)
	return nil
}

// watch prints observable session state until ctx is done.
func watch(ctx context.Context, sess *session.Session, f *Formatter) {
	statuses, cancelStatus := sess.Status.Subscribe()
	defer cancelStatus()
	partials, cancelPartial := sess.Partial.Subscribe()
	defer cancelPartial()
	segments, cancelSegments := sess.Segments.Subscribe()
	defer cancelSegments()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-statuses:
			f.Status(st, sess.StatusText.Get())
		case p := <-partials:
			if p != "" {
				f.Partial(p)
			}
		case segs := <-segments:
			if len(segs) < printed {
				printed = 0
			}
			for _, seg := range segs[printed:] {
				f.Segment(seg)
			}
			printed = len(segs)
		}
	}
}

func sessionConfig(cfg *config.Config, opts recordOptions) session.Config {
	return session.Config{
		Strategy:           session.Strategy(opts.strategy),
		SampleRate:         cfg.Audio.SampleRate,
		BlockSize:          cfg.Audio.BlockSize,
		TargetChunkSamples: cfg.Audio.TargetChunkSamples,
		QueueDepth:         cfg.Audio.QueueDepth,
		ChunkDuration:      cfg.Upload.GetChunkDuration(),
		SafetyMargin:       cfg.Upload.GetSafetyMargin(),
		MinChunkBytes:      cfg.Upload.MinChunkBytes,
		Realtime:           opts.realtime,
	}
}

func transportFactory(deps *Dependencies, strategy string, client *transcription.Client) session.TransportFactory {
	cfg := deps.Config

	if strategy == config.StrategyUpload {
		return func() (transport.Transport, error) {
			return transport.NewUploader(transport.UploaderConfig{
				MaxRetries:    cfg.Upload.MaxRetries,
				RetryBackoff:  cfg.Upload.GetRetryBackoff(),
				MaxConcurrent: cfg.Upload.MaxConcurrent,
				MaxPending:    cfg.Upload.MaxPending,
				SettleDelay:   cfg.Upload.GetSettleDelay(),
				DrainTimeout:  cfg.Upload.GetDrainTimeout(),
			}, client, deps.Metrics, deps.Logger), nil
		}
	}

	return func() (transport.Transport, error) {
		url := cfg.Backend.WebSocketURL
		if url == "" {
			var err error
			if url, err = transport.WebSocketURL(cfg.Backend.BaseURL); err != nil {
				return nil, err
			}
		}

		header := http.Header{}
		if cfg.Backend.APIKey != "" {
			header.Set("Authorization", "Bearer "+cfg.Backend.APIKey)
		}
		return transport.NewStreamer(transport.StreamerConfig{
			URL:                  url,
			Header:               header,
			ConnectTimeout:       cfg.Stream.GetConnectTimeout(),
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			ReconnectDelay:       cfg.Stream.GetReconnectDelay(),
			PingInterval:         cfg.Stream.GetPingInterval(),
			CompletionTimeout:    cfg.Stream.GetCompletionTimeout(),
			WriteTimeout:         cfg.Stream.GetWriteTimeout(),
		}, deps.Metrics, deps.Logger), nil
	}
}

func newPoller(deps *Dependencies, client *transcription.Client) *reconcile.Poller {
	cfg := deps.Config.Poll
	return reconcile.NewPoller(reconcile.Config{
		Interval:              cfg.GetInterval(),
		ProcessingInterval:    cfg.GetProcessingInterval(),
		ProcessingMaxAttempts: cfg.ProcessingMaxAttempts,
		ForceAfterAttempts:    cfg.ForceAfterAttempts,
		ErrorGiveUpAfter:      cfg.ErrorGiveUpAfter,
	}, client, deps.Metrics, deps.Logger)
}

// stopTimeout bounds Stop and the finalize fallback that may follow it.
func stopTimeout(cfg *config.Config) time.Duration {
	processing := time.Duration(cfg.Poll.ProcessingMaxAttempts) * cfg.Poll.GetProcessingInterval()
	return cfg.Upload.GetSettleDelay() + cfg.Upload.GetDrainTimeout() +
		cfg.Stream.GetCompletionTimeout() + processing + 2*cfg.Backend.GetTimeoutDuration()
}

// parseRemote splits an id=file.wav participant flag.
func parseRemote(value string) (string, string, error) {
	id, path, ok := strings.Cut(value, "=")
	if !ok || id == "" || path == "" {
		return "", "", fmt.Errorf("invalid --remote %q, expected id=file.wav", value)
	}
	return id, path, nil
}

// loadTrack reads a 16-bit PCM WAV file into a playable track.
func loadTrack(path string, sampleRate int) (*audio.SliceTrack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if rate != sampleRate {
		return nil, fmt.Errorf("%s is %d Hz, expected %d Hz", path, rate, sampleRate)
	}
	return audio.NewSliceTrack(samples), nil
}
