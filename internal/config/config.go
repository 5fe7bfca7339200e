// Package config provides the configuration schema, loader, and provider registry
// for the companion.
package config

import (
	"time"

	"github.com/MrWong99/companion/internal/toolcall/mcpbridge"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Modality selects whether the model answers with speech or text.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// IsValid reports whether m is a recognised response modality.
func (m Modality) IsValid() bool {
	return m == ModalityAudio || m == ModalityText
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Remote   RemoteConfig   `yaml:"remote"`
	Audio    AudioConfig    `yaml:"audio"`
	Video    VideoConfig    `yaml:"video"`
	Activity ActivityConfig `yaml:"activity"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// ServerConfig holds the status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the status server (e.g., "127.0.0.1:8090").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RemoteConfig selects the conversational model and how sessions open.
type RemoteConfig struct {
	// Provider selects the registered remote implementation.
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the provider refuses to open a
	// session. Each backend sits behind a circuit breaker.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Breaker tunes the per-backend circuit breakers. Only used with
	// fallbacks.
	Breaker BreakerConfig `yaml:"breaker"`

	// Voice names a provider-specific prebuilt voice.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction sent at session setup.
	Instructions string `yaml:"instructions"`

	// ResponseModality is "audio" (default) or "text".
	ResponseModality Modality `yaml:"response_modality"`

	// InputTranscription requests transcripts of the user's speech.
	// Defaults to true.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of the model's speech.
	// Defaults to true.
	OutputTranscription *bool `yaml:"output_transcription"`

	// OpenTimeout bounds the wait for the remote side to confirm a new
	// session. Defaults to 10s.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// OpenRetries is the number of extra open attempts on transient network
	// failures. Nil uses the default of 3; 0 disables retrying.
	OpenRetries *int `yaml:"open_retries"`
}

// BreakerConfig tunes a provider circuit breaker. Zero values use the
// defaults of 3 failures and a 30s reset timeout.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the configuration block of a remote provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. Use
	// ${VAR} to read it from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig tunes the microphone and speaker paths.
type AudioConfig struct {
	// InputDevice names the capture device. Empty selects the system default.
	InputDevice string `yaml:"input_device"`

	// CaptureBufferSize is the number of 16 kHz samples per captured frame.
	// Defaults to 4096.
	CaptureBufferSize int `yaml:"capture_buffer_size"`

	// QueueSize bounds the outbound frames waiting for the network.
	// Defaults to 4.
	QueueSize int `yaml:"queue_size"`

	// OutputBuffer is the speaker device buffer length. Zero uses the
	// device default.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// VideoConfig tunes the camera and screen side-channel.
type VideoConfig struct {
	// Disabled turns the video side-channel off entirely.
	Disabled bool `yaml:"disabled"`

	// Interval is the frame cadence. Defaults to 1s.
	Interval time.Duration `yaml:"interval"`

	// JPEGQuality is the encoder quality in (0, 1]. Defaults to 0.6.
	JPEGQuality float64 `yaml:"jpeg_quality"`

	// FFmpegPath overrides the ffmpeg binary looked up on PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// CameraDevice and ScreenDevice override the platform default inputs.
	CameraDevice string `yaml:"camera_device"`
	ScreenDevice string `yaml:"screen_device"`
}

// ActivityConfig tunes the microphone activity meter.
type ActivityConfig struct {
	// Interval is the level publishing period. Defaults to one display frame.
	Interval time.Duration `yaml:"interval"`
}

// MCPConfig holds the Model Context Protocol servers whose tools are
// offered to the model.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// ToolTimeout bounds a single tool execution. Defaults to 30s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// NotesDir enables the built-in note tools, storing notes in this
	// directory. Empty disables them.
	NotesDir string `yaml:"notes_dir"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport mcpbridge.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// BridgeConfig converts the entry for [mcpbridge.Host.RegisterServer].
func (s MCPServerConfig) BridgeConfig() mcpbridge.ServerConfig {
	return mcpbridge.ServerConfig{
		Name:      s.Name,
		Transport: s.Transport,
		Command:   s.Command,
		URL:       s.URL,
		Env:       s.Env,
	}
}

// Enabled reports whether p is nil or true.
func Enabled(p *bool) bool { return p == nil || *p }
