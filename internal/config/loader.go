package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/companion/internal/toolcall/mcpbridge"
)

// ValidProviderNames lists the built-in remote provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "genai-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} and $VAR references are replaced with environment values before
// decoding so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Remote
	rc := cfg.Remote
	if rc.Provider.Name == "" {
		errs = append(errs, errors.New("remote.provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, rc.Provider.Name) {
		slog.Warn("unknown remote provider name, may be a typo or third-party provider",
			"name", rc.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if rc.Provider.Name != "" && rc.Provider.APIKey == "" {
		slog.Warn("remote.provider.api_key is empty; the provider may reject the session", "provider", rc.Provider.Name)
	}
	for i, fb := range rc.Fallbacks {
		switch {
		case fb.Name == "":
			errs = append(errs, fmt.Errorf("remote.fallbacks[%d].name is required", i))
		case fb.Name == rc.Provider.Name && fb.Model == rc.Provider.Model && fb.BaseURL == rc.Provider.BaseURL:
			errs = append(errs, fmt.Errorf("remote.fallbacks[%d] duplicates the primary provider", i))
		}
	}
	if rc.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("remote.breaker.max_failures %d must not be negative", rc.Breaker.MaxFailures))
	}
	if rc.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("remote.breaker.reset_timeout %s must not be negative", rc.Breaker.ResetTimeout))
	}
	if rc.ResponseModality != "" && !rc.ResponseModality.IsValid() {
		errs = append(errs, fmt.Errorf("remote.response_modality %q is invalid; valid values: audio, text", rc.ResponseModality))
	}
	if rc.OpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("remote.open_timeout %s must not be negative", rc.OpenTimeout))
	}
	if rc.OpenRetries != nil && *rc.OpenRetries < 0 {
		errs = append(errs, fmt.Errorf("remote.open_retries %d must not be negative", *rc.OpenRetries))
	}

	// Audio
	if n := cfg.Audio.CaptureBufferSize; n < 0 || n > 16384 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer_size %d is out of range [0, 16384]", n))
	}
	if cfg.Audio.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must not be negative", cfg.Audio.QueueSize))
	}
	if cfg.Audio.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %s must not be negative", cfg.Audio.OutputBuffer))
	}

	// Video
	if cfg.Video.Interval < 0 {
		errs = append(errs, fmt.Errorf("video.interval %s must not be negative", cfg.Video.Interval))
	}
	if q := cfg.Video.JPEGQuality; q < 0 || q > 1 {
		errs = append(errs, fmt.Errorf("video.jpeg_quality %.2f is out of range [0, 1]", q))
	}

	// Activity
	if cfg.Activity.Interval < 0 {
		errs = append(errs, fmt.Errorf("activity.interval %s must not be negative", cfg.Activity.Interval))
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpbridge.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpbridge.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}
	if cfg.MCP.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("mcp.tool_timeout %s must not be negative", cfg.MCP.ToolTimeout))
	}

	return errors.Join(errs...)
}
