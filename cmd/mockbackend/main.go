package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-transcriber/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mockbackend: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr  string
		opts  server.MockOptions
		debug bool
	)

	cmd := &cobra.Command{
		Use:          "mockbackend",
		Short:        "Run a local fake transcription backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			srv := &http.Server{
				Addr:        addr,
				Handler:     server.NewMockBackend(opts, logger).Handler(),
				ReadTimeout: 30 * time.Second,
				IdleTimeout: 60 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Mock backend listening",
					slog.String("address", addr),
					slog.String("rest", "http://"+addr+"/api/v1"),
					slog.String("stream", "ws://"+addr+"/ws/transcription"),
				)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down mock backend")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "Listen address")
	cmd.Flags().IntVar(&opts.FramesPerSegment, "frames-per-segment", 4, "Streamed frames per recognized segment")
	cmd.Flags().IntVar(&opts.PollsPerStage, "polls-per-stage", 2, "Snapshot polls each stage stays pending and processing")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}
