package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/tenvad/internal/audio"
	"github.com/skypro1111/tenvad/internal/vad"
)

// EnvPrefix is the prefix of environment variables overriding file values.
const EnvPrefix = "TENVAD_"

// Config represents the complete service configuration
type Config struct {
	VAD      VADConfig      `yaml:"vad"`
	Segment  SegmentConfig  `yaml:"segment"`
	Sessions SessionsConfig `yaml:"sessions"`
	HTTP     HTTPConfig     `yaml:"http"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// VADConfig contains the default detector parameters for new sessions
type VADConfig struct {
	HopSize    int     `yaml:"hop_size"` // samples per frame
	Threshold  float32 `yaml:"threshold"`
	SampleRate int     `yaml:"sample_rate"` // Hz
	Model      string  `yaml:"model"`       // energy, webrtc or silero
	Mode       int     `yaml:"mode"`        // webrtc aggressiveness
	ModelPath  string  `yaml:"model_path"`  // silero ONNX file
}

// SegmentConfig contains speech segmentation parameters
type SegmentConfig struct {
	MinSpeechDuration  float64 `yaml:"min_speech_duration"`  // seconds
	MinSilenceDuration float64 `yaml:"min_silence_duration"` // seconds
	MaxDuration        float64 `yaml:"max_duration"`         // seconds, 0 = unbounded
}

// SessionsConfig contains session manager limits
type SessionsConfig struct {
	MaxSessions     int `yaml:"max_sessions"`
	IdleTimeout     int `yaml:"idle_timeout"`     // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// DeliveryConfig contains the segment upload endpoint. Streams post the audio
// of every closed speech segment there when enabled.
type DeliveryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		VAD: VADConfig{
			HopSize:    256,
			Threshold:  0.5,
			SampleRate: 16000,
			Model:      vad.ModelEnergy,
			Mode:       2,
		},
		Segment: SegmentConfig{
			MinSpeechDuration:  0.25,
			MinSilenceDuration: 0.3,
			MaxDuration:        30,
		},
		Sessions: SessionsConfig{
			MaxSessions:     1000,
			IdleTimeout:     300,
			CleanupInterval: 30,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Delivery: DeliveryConfig{
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Values missing from the file
// keep their defaults; TENVAD_* environment variables override both. An empty
// path yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from TENVAD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strVars := map[string]*string{
		"MODEL":             &c.VAD.Model,
		"MODEL_PATH":        &c.VAD.ModelPath,
		"HTTP_ADDRESS":      &c.HTTP.Address,
		"LOG_LEVEL":         &c.Logging.Level,
		"LOG_FORMAT":        &c.Logging.Format,
		"LOG_OUTPUT":        &c.Logging.Output,
		"DELIVERY_ENDPOINT": &c.Delivery.Endpoint,
		"DELIVERY_API_KEY":  &c.Delivery.APIKey,
	}
	for name, dst := range strVars {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	intVars := map[string]*int{
		"HOP_SIZE":     &c.VAD.HopSize,
		"SAMPLE_RATE":  &c.VAD.SampleRate,
		"WEBRTC_MODE":  &c.VAD.Mode,
		"HTTP_PORT":    &c.HTTP.Port,
		"MAX_SESSIONS": &c.Sessions.MaxSessions,
		"IDLE_TIMEOUT": &c.Sessions.IdleTimeout,
	}
	for name, dst := range intVars {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "THRESHOLD"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return fmt.Errorf("%sTHRESHOLD: %w", EnvPrefix, err)
		}
		c.VAD.Threshold = float32(f)
	}

	boolVars := map[string]*bool{
		"HTTP_ENABLED":     &c.HTTP.Enabled,
		"DELIVERY_ENABLED": &c.Delivery.Enabled,
	}
	for name, dst := range boolVars {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Segment.Validate(); err != nil {
		return fmt.Errorf("segment config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("delivery config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.HopSize < 1 {
		return fmt.Errorf("hop_size must be positive, got %d", v.HopSize)
	}

	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.SampleRate < 1 {
		return fmt.Errorf("sample_rate must be positive, got %d", v.SampleRate)
	}

	if _, err := vad.NewModelFactory(v.ModelConfig()); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	return nil
}

// Validate validates segmentation configuration
func (s *SegmentConfig) Validate() error {
	if s.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", s.MinSpeechDuration)
	}

	if s.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", s.MinSilenceDuration)
	}

	if s.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative, got %f", s.MaxDuration)
	}

	if s.MaxDuration > 0 && s.MaxDuration < s.MinSpeechDuration {
		return fmt.Errorf("max_duration (%f) must not be shorter than min_speech_duration (%f)",
			s.MaxDuration, s.MinSpeechDuration)
	}

	return nil
}

// Validate validates session manager configuration
func (s *SessionsConfig) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
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

// Validate validates segment delivery configuration
func (d *DeliveryConfig) Validate() error {
	if !d.Enabled {
		return nil
	}

	u, err := url.Parse(d.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be an http or https URL, got '%s'", d.Endpoint)
	}

	if d.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", d.Timeout)
	}

	if d.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", d.MaxRetries)
	}

	if d.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", d.MaxConcurrent)
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

	// Output is stdout, stderr or a file path.
	return nil
}

// ModelConfig returns the model selection for new sessions.
func (v *VADConfig) ModelConfig() vad.ModelConfig {
	return vad.ModelConfig{
		Kind:       v.Model,
		SampleRate: v.SampleRate,
		Mode:       v.Mode,
		ModelPath:  v.ModelPath,
	}
}

// GetFrameDuration returns the playing time of one hop
func (v *VADConfig) GetFrameDuration() time.Duration {
	return audio.FrameDurationFor(v.HopSize, v.SampleRate)
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (s *SegmentConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(s.MinSpeechDuration * float64(time.Second))
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (s *SegmentConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(s.MinSilenceDuration * float64(time.Second))
}

// GetMaxDuration returns the maximum segment duration as a time.Duration
func (s *SegmentConfig) GetMaxDuration() time.Duration {
	return time.Duration(s.MaxDuration * float64(time.Second))
}

// SegmenterConfig builds the segmenter settings for frames of the given duration.
func (s *SegmentConfig) SegmenterConfig(frameDuration time.Duration) audio.SegmentConfig {
	return audio.SegmentConfig{
		FrameDuration:      frameDuration,
		MinSpeechDuration:  s.GetMinSpeechDuration(),
		MinSilenceDuration: s.GetMinSilenceDuration(),
		MaxDuration:        s.GetMaxDuration(),
	}
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionsConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the expiry scan interval as a time.Duration
func (s *SessionsConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetTimeoutDuration returns the per-request upload timeout as a time.Duration
func (d *DeliveryConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// ListenAddress returns the host:port the HTTP server listens on
func (h *HTTPConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
