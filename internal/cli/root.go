package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-transcriber/internal/config"
	"github.com/skypro1111/meeting-transcriber/internal/metrics"
	"github.com/skypro1111/meeting-transcriber/internal/transcription"
)

const (
	serviceName    = "meeting-transcriber"
	serviceVersion = "1.0.0"
)

// Dependencies is filled in before any subcommand runs.
type Dependencies struct {
	ConfigPath string
	EnvFile    string
	RoomName   string

	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// NewRootCmd builds the transcriber command tree.
func NewRootCmd() *cobra.Command {
	deps := &Dependencies{}

	rootCmd := &cobra.Command{
		Use:           "transcriber",
		Short:         "Stream meeting audio and reconcile transcriptions",
		Long:          "Captures mixed meeting audio, streams or uploads it to the transcription backend, and retrieves the final transcript and summary.",
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&deps.EnvFile, "env-file", ".env", "Environment file with overrides")
	rootCmd.PersistentFlags().StringVar(&deps.RoomName, "room-name", "", "Display name of the meeting room")

	rootCmd.AddCommand(NewRecordCmd(deps, config.StrategyStream))
	rootCmd.AddCommand(NewRecordCmd(deps, config.StrategyUpload))
	rootCmd.AddCommand(NewResultCmd(deps))
	rootCmd.AddCommand(NewFinalizeCmd(deps))

	return rootCmd
}

func (d *Dependencies) load() error {
	if err := config.LoadEnv(d.EnvFile); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}

	cfg, err := config.Load(d.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}
	if d.RoomName != "" {
		cfg.Session.RoomName = d.RoomName
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	d.Config = cfg
	d.Logger = initLogger(cfg.Logging)
	d.Registry = prometheus.NewRegistry()
	d.Metrics = metrics.NewMetrics(d.Registry)

	d.Logger.Debug("Configuration loaded",
		slog.String("service", serviceName),
		slog.String("config_path", d.ConfigPath),
		slog.String("backend", cfg.Backend.BaseURL),
		slog.String("strategy", cfg.Session.Strategy),
	)
	return nil
}

func (d *Dependencies) client() (*transcription.Client, error) {
	client, err := transcription.NewClient(transcription.Config{
		BaseURL:   d.Config.Backend.BaseURL,
		APIKey:    d.Config.Backend.APIKey,
		Timeout:   d.Config.Backend.GetTimeoutDuration(),
		UserAgent: serviceName + "/" + serviceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}
	return client, nil
}
