package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration
const (
	EnvBackendURL = "TRANSCRIBER_BACKEND_URL"
	EnvAPIKey     = "TRANSCRIBER_API_KEY"
	EnvLogLevel   = "TRANSCRIBER_LOG_LEVEL"
)

// Transport strategies
const (
	StrategyStream = "stream"
	StrategyUpload = "upload"
)

// Config represents the complete client configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Upload  UploadConfig  `yaml:"upload"`
	Stream  StreamConfig  `yaml:"stream"`
	Poll    PollConfig    `yaml:"poll"`
	Status  StatusConfig  `yaml:"status"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig contains transcription backend connection settings
type BackendConfig struct {
	BaseURL      string `yaml:"base_url"`      // REST base, e.g. https://host/api/v1
	WebSocketURL string `yaml:"websocket_url"` // Derived from base_url when empty
	APIKey       string `yaml:"api_key"`
	Timeout      int    `yaml:"timeout"` // seconds
}

// SessionConfig contains recording session defaults
type SessionConfig struct {
	Strategy string `yaml:"strategy"` // "stream" or "upload"
	RoomName string `yaml:"room_name"`
}

// AudioConfig contains capture and chunking parameters
type AudioConfig struct {
	SampleRate         int `yaml:"sample_rate"`
	BlockSize          int `yaml:"block_size"`           // samples per capture callback
	TargetChunkSamples int `yaml:"target_chunk_samples"` // streaming chunk size
	QueueDepth         int `yaml:"queue_depth"`          // capture blocks held before dropping
}

// UploadConfig contains upload-per-chunk transport parameters
type UploadConfig struct {
	ChunkDuration float64 `yaml:"chunk_duration"` // seconds
	SafetyMargin  float64 `yaml:"safety_margin"`  // seconds
	MinChunkBytes int     `yaml:"min_chunk_bytes"`
	MaxRetries    int     `yaml:"max_retries"`
	RetryBackoff  float64 `yaml:"retry_backoff"` // seconds, multiplied by attempt
	MaxConcurrent int     `yaml:"max_concurrent"`
	MaxPending    int     `yaml:"max_pending"`
	SettleDelay   float64 `yaml:"settle_delay"`  // seconds
	DrainTimeout  float64 `yaml:"drain_timeout"` // seconds
}

// StreamConfig contains persistent streaming transport parameters
type StreamConfig struct {
	ConnectTimeout       float64 `yaml:"connect_timeout"` // seconds
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	ReconnectDelay       float64 `yaml:"reconnect_delay"`    // seconds, multiplied by attempt
	PingInterval         float64 `yaml:"ping_interval"`      // seconds
	CompletionTimeout    float64 `yaml:"completion_timeout"` // seconds
	WriteTimeout         float64 `yaml:"write_timeout"`      // seconds
}

// PollConfig contains pull-path reconciliation parameters
type PollConfig struct {
	Interval              float64 `yaml:"interval"`            // seconds
	ProcessingInterval    float64 `yaml:"processing_interval"` // seconds
	ProcessingMaxAttempts int     `yaml:"processing_max_attempts"`
	ForceAfterAttempts    int     `yaml:"force_after_attempts"`
	ErrorGiveUpAfter      int     `yaml:"error_give_up_after"`
}

// StatusConfig contains local status HTTP server configuration
type StatusConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration the backend contract was built around.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080/api/v1",
			Timeout: 30,
		},
		Session: SessionConfig{
			Strategy: StrategyStream,
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			BlockSize:          4096,
			TargetChunkSamples: 4000,
			QueueDepth:         32,
		},
		Upload: UploadConfig{
			ChunkDuration: 10,
			SafetyMargin:  0.2,
			MinChunkBytes: 1024,
			MaxRetries:    2,
			RetryBackoff:  2,
			MaxConcurrent: 4,
			MaxPending:    64,
			SettleDelay:   1,
			DrainTimeout:  10,
		},
		Stream: StreamConfig{
			ConnectTimeout:       10,
			MaxReconnectAttempts: 3,
			ReconnectDelay:       1,
			PingInterval:         30,
			CompletionTimeout:    30,
			WriteTimeout:         5,
		},
		Poll: PollConfig{
			Interval:              2,
			ProcessingInterval:    1,
			ProcessingMaxAttempts: 60,
			ForceAfterAttempts:    30,
			ErrorGiveUpAfter:      10,
		},
		Status: StatusConfig{
			Port:    9090,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file over Default(). An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadEnv loads variables from dotenv files (".env" when none are given)
// into the process environment. Missing files are not an error; variables
// already set in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration from the environment and revalidates.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return c.Validate()
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Poll.Validate(); err != nil {
		return fmt.Errorf("poll config: %w", err)
	}

	if err := c.Status.Validate(); err != nil {
		return fmt.Errorf("status config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	if b.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	u, err := url.Parse(b.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an http(s) URL, got '%s'", b.BaseURL)
	}

	if b.WebSocketURL != "" {
		u, err := url.Parse(b.WebSocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("websocket_url must be a ws(s) URL, got '%s'", b.WebSocketURL)
		}
	}

	if b.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", b.Timeout)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.Strategy != StrategyStream && s.Strategy != StrategyUpload {
		return fmt.Errorf("strategy must be 'stream' or 'upload', got '%s'", s.Strategy)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.BlockSize < 128 || a.BlockSize > 16384 {
		return fmt.Errorf("block_size must be between 128 and 16384 samples, got %d", a.BlockSize)
	}

	if a.TargetChunkSamples < 1 {
		return fmt.Errorf("target_chunk_samples must be positive, got %d", a.TargetChunkSamples)
	}

	if a.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", a.QueueDepth)
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	if u.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %f", u.ChunkDuration)
	}

	if u.SafetyMargin < 0 || u.SafetyMargin >= u.ChunkDuration {
		return fmt.Errorf("safety_margin (%f) must be non-negative and below chunk_duration (%f)",
			u.SafetyMargin, u.ChunkDuration)
	}

	if u.MinChunkBytes < 0 {
		return fmt.Errorf("min_chunk_bytes cannot be negative, got %d", u.MinChunkBytes)
	}

	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", u.MaxRetries)
	}

	if u.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff cannot be negative, got %f", u.RetryBackoff)
	}

	if u.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", u.MaxConcurrent)
	}

	if u.MaxPending < u.MaxConcurrent {
		return fmt.Errorf("max_pending (%d) must be at least max_concurrent (%d)", u.MaxPending, u.MaxConcurrent)
	}

	if u.SettleDelay < 0 || u.DrainTimeout < 0 {
		return fmt.Errorf("settle_delay and drain_timeout cannot be negative")
	}

	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %f", s.ConnectTimeout)
	}

	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts cannot be negative, got %d", s.MaxReconnectAttempts)
	}

	if s.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay cannot be negative, got %f", s.ReconnectDelay)
	}

	if s.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive, got %f", s.PingInterval)
	}

	if s.CompletionTimeout <= 0 {
		return fmt.Errorf("completion_timeout must be positive, got %f", s.CompletionTimeout)
	}

	if s.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %f", s.WriteTimeout)
	}

	return nil
}

// Validate validates poll configuration
func (p *PollConfig) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %f", p.Interval)
	}

	if p.ProcessingInterval <= 0 {
		return fmt.Errorf("processing_interval must be positive, got %f", p.ProcessingInterval)
	}

	if p.ProcessingMaxAttempts < 1 {
		return fmt.Errorf("processing_max_attempts must be at least 1, got %d", p.ProcessingMaxAttempts)
	}

	if p.ForceAfterAttempts < 0 || p.ForceAfterAttempts >= p.ProcessingMaxAttempts {
		return fmt.Errorf("force_after_attempts (%d) must be below processing_max_attempts (%d)",
			p.ForceAfterAttempts, p.ProcessingMaxAttempts)
	}

	if p.ErrorGiveUpAfter < 0 {
		return fmt.Errorf("error_give_up_after cannot be negative, got %d", p.ErrorGiveUpAfter)
	}

	return nil
}

// Validate validates status server configuration
func (s *StatusConfig) Validate() error {
	if s.Enabled {
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("status port must be between 1 and 65535, got %d", s.Port)
		}

		if s.Address == "" {
			return fmt.Errorf("status address cannot be empty when the status server is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Sanitized returns a copy safe to expose over the status API.
func (c *Config) Sanitized() Config {
	out := *c
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = "***"
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// GetTimeoutDuration returns the backend request timeout as a time.Duration
func (b *BackendConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// GetChunkDuration returns the upload chunk duration as a time.Duration
func (u *UploadConfig) GetChunkDuration() time.Duration {
	return seconds(u.ChunkDuration)
}

// GetSafetyMargin returns the slicing safety margin as a time.Duration
func (u *UploadConfig) GetSafetyMargin() time.Duration {
	return seconds(u.SafetyMargin)
}

// GetRetryBackoff returns the base retry backoff as a time.Duration
func (u *UploadConfig) GetRetryBackoff() time.Duration {
	return seconds(u.RetryBackoff)
}

// GetSettleDelay returns the pre-finalize settle delay as a time.Duration
func (u *UploadConfig) GetSettleDelay() time.Duration {
	return seconds(u.SettleDelay)
}

// GetDrainTimeout returns the pending drain timeout as a time.Duration
func (u *UploadConfig) GetDrainTimeout() time.Duration {
	return seconds(u.DrainTimeout)
}

// GetConnectTimeout returns the connect timeout as a time.Duration
func (s *StreamConfig) GetConnectTimeout() time.Duration {
	return seconds(s.ConnectTimeout)
}

// GetReconnectDelay returns the base reconnect delay as a time.Duration
func (s *StreamConfig) GetReconnectDelay() time.Duration {
	return seconds(s.ReconnectDelay)
}

// GetPingInterval returns the keep-alive interval as a time.Duration
func (s *StreamConfig) GetPingInterval() time.Duration {
	return seconds(s.PingInterval)
}

// GetCompletionTimeout returns the completed-message wait as a time.Duration
func (s *StreamConfig) GetCompletionTimeout() time.Duration {
	return seconds(s.CompletionTimeout)
}

// GetWriteTimeout returns the per-message write deadline as a time.Duration
func (s *StreamConfig) GetWriteTimeout() time.Duration {
	return seconds(s.WriteTimeout)
}

// GetInterval returns the job snapshot poll interval as a time.Duration
func (p *PollConfig) GetInterval() time.Duration {
	return seconds(p.Interval)
}

// GetProcessingInterval returns the processing wait interval as a time.Duration
func (p *PollConfig) GetProcessingInterval() time.Duration {
	return seconds(p.ProcessingInterval)
}
