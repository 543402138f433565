package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding values from the config file
const (
	EnvServerURL             = "LIVESUB_SERVER_URL"
	EnvBackend               = "LIVESUB_BACKEND"
	EnvTranscriptionEndpoint = "LIVESUB_TRANSCRIPTION_ENDPOINT"
	EnvTranscriptionAPIKey   = "LIVESUB_TRANSCRIPTION_API_KEY"
	EnvLogLevel              = "LIVESUB_LOG_LEVEL"
	EnvSilenceThreshold      = "LIVESUB_SILENCE_THRESHOLD"
)

// Transcription backends of the subtitle server
const (
	BackendPlaceholder = "placeholder"
	BackendHTTP        = "http"
)

// Config represents the complete configuration of the capture client and the server
type Config struct {
	Capture       CaptureConfig       `yaml:"capture"`
	Transport     TransportConfig     `yaml:"transport"`
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CaptureConfig contains the frame gate and packetizer tunables
type CaptureConfig struct {
	SampleRate          int     `yaml:"sample_rate"`
	BlockSize           int     `yaml:"block_size"`        // samples per audio block
	SilenceThreshold    float64 `yaml:"silence_threshold"` // RMS energy
	MaxSilentBlocks     int     `yaml:"max_silent_blocks"`
	TargetSamples       int     `yaml:"target_samples"`
	TargetDuration      float64 `yaml:"target_duration"` // seconds, used when target_samples is 0
	TrimTrailingSilence bool    `yaml:"trim_trailing_silence"`
	QueueSize           int     `yaml:"queue_size"`   // packets waiting for the transport
	StopTimeout         int     `yaml:"stop_timeout"` // seconds
}

// TransportConfig contains the websocket client configuration
type TransportConfig struct {
	URL              string `yaml:"url"`
	HandshakeTimeout int    `yaml:"handshake_timeout"` // seconds
	WriteTimeout     int    `yaml:"write_timeout"`     // seconds
	PingInterval     int    `yaml:"ping_interval"`     // seconds, 0 disables
}

// ServerConfig contains the websocket subtitle server configuration
type ServerConfig struct {
	Address         string  `yaml:"address"`
	Port            int     `yaml:"port"`
	Path            string  `yaml:"path"`
	SampleRate      int     `yaml:"sample_rate"`
	MaxConnections  int     `yaml:"max_connections"`
	MaxFrameBytes   int     `yaml:"max_frame_bytes"`
	SessionTimeout  int     `yaml:"session_timeout"` // seconds
	Backend         string  `yaml:"backend"`
	PlaceholderText string  `yaml:"placeholder_text"`
	WindowDuration  float64 `yaml:"window_duration"` // seconds of audio per transcription request
	MinTextLength   int     `yaml:"min_text_length"` // non-space characters
	ResultType      string  `yaml:"result_type"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
	Language      string `yaml:"language"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file overrides it.
// Capture defaults are 16 kHz audio, 128-sample blocks, an RMS threshold of
// 0.01, ten tolerated silent blocks and 4000-sample (0.25 s) packets.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			SampleRate:          16000,
			BlockSize:           128,
			SilenceThreshold:    0.01,
			MaxSilentBlocks:     10,
			TargetSamples:       4000,
			TrimTrailingSilence: true,
			QueueSize:           32,
			StopTimeout:         5,
		},
		Transport: TransportConfig{
			URL:              "ws://localhost:8000/ws",
			HandshakeTimeout: 10,
			WriteTimeout:     5,
			PingInterval:     3,
		},
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            8000,
			Path:            "/ws",
			SampleRate:      16000,
			MaxConnections:  100,
			MaxFrameBytes:   1 << 20,
			SessionTimeout:  60,
			Backend:         BackendPlaceholder,
			PlaceholderText: "subtitle placeholder",
			WindowDuration:  1.2,
			MinTextLength:   3,
			ResultType:      "final",
		},
		HTTP: HTTPConfig{
			Port:    8081,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Transcription: TranscriptionConfig{
			Endpoint:      "http://localhost:8082/transcribe",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			OutputFormat:  "json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file on top of the defaults, applies
// environment overrides (including a .env file when present) and validates
// the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := LoadEnvFile(); err != nil {
		return nil, err
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadEnvFile loads variables from the given .env files (".env" when none
// are given) without overriding variables already set. Missing files are
// ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}

	return nil
}

// ApplyEnv overrides selected fields from LIVESUB_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv(EnvBackend); v != "" {
		c.Server.Backend = v
	}
	if v := os.Getenv(EnvTranscriptionEndpoint); v != "" {
		c.Transcription.Endpoint = v
	}
	if v := os.Getenv(EnvTranscriptionAPIKey); v != "" {
		c.Transcription.APIKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvSilenceThreshold); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid float %q: %w", EnvSilenceThreshold, v, err)
		}
		c.Capture.SilenceThreshold = threshold
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	// The HTTP backend is the only consumer of the transcription section
	if c.Server.Backend == BackendHTTP {
		if err := c.Transcription.Validate(); err != nil {
			return fmt.Errorf("transcription config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration. Zero threshold, window and
// target are degenerate but allowed.
func (c *CaptureConfig) Validate() error {
	if c.SampleRate < 1 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}

	if c.BlockSize < 1 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}

	if c.SilenceThreshold < 0 {
		return fmt.Errorf("silence_threshold cannot be negative, got %f", c.SilenceThreshold)
	}

	if c.MaxSilentBlocks < 0 {
		return fmt.Errorf("max_silent_blocks cannot be negative, got %d", c.MaxSilentBlocks)
	}

	if c.TargetSamples < 0 {
		return fmt.Errorf("target_samples cannot be negative, got %d", c.TargetSamples)
	}

	if c.TargetDuration < 0 {
		return fmt.Errorf("target_duration cannot be negative, got %f", c.TargetDuration)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}

	if c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout cannot be negative, got %d", c.StopTimeout)
	}

	return nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if t.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", t.HandshakeTimeout)
	}

	if t.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", t.WriteTimeout)
	}

	if t.PingInterval < 0 {
		return fmt.Errorf("ping_interval cannot be negative, got %d", t.PingInterval)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.Path == "" || s.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got '%s'", s.Path)
	}

	if s.SampleRate < 1 {
		return fmt.Errorf("sample_rate must be positive, got %d", s.SampleRate)
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.MaxFrameBytes < 2 {
		return fmt.Errorf("max_frame_bytes must be at least 2, got %d", s.MaxFrameBytes)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}

	validBackends := map[string]bool{BackendPlaceholder: true, BackendHTTP: true}
	if !validBackends[s.Backend] {
		return fmt.Errorf("backend must be '%s' or '%s', got '%s'", BackendPlaceholder, BackendHTTP, s.Backend)
	}

	if s.WindowDuration < 0 {
		return fmt.Errorf("window_duration cannot be negative, got %f", s.WindowDuration)
	}

	if s.MinTextLength < 0 {
		return fmt.Errorf("min_text_length cannot be negative, got %d", s.MinTextLength)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
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

	// Output is stdout, stderr or a file path; an empty value means stdout
	return nil
}

// TargetSampleCount resolves the packet target in samples. TargetSamples
// wins; otherwise TargetDuration is converted at the capture sample rate.
func (c *CaptureConfig) TargetSampleCount() int {
	if c.TargetSamples > 0 || c.TargetDuration <= 0 {
		return c.TargetSamples
	}
	return int(math.Round(c.TargetDuration * float64(c.SampleRate)))
}

// GetStopTimeoutDuration returns the session stop timeout as a time.Duration
func (c *CaptureConfig) GetStopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Second
}

// GetHandshakeTimeoutDuration returns the websocket handshake timeout as a time.Duration
func (t *TransportConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(t.HandshakeTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the per-message write timeout as a time.Duration
func (t *TransportConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(t.WriteTimeout) * time.Second
}

// GetPingIntervalDuration returns the ping interval as a time.Duration
func (t *TransportConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(t.PingInterval) * time.Second
}

// GetSessionTimeoutDuration returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// WindowSamples returns the transcription window length in samples
func (s *ServerConfig) WindowSamples() int {
	return int(math.Round(s.WindowDuration * float64(s.SampleRate)))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
