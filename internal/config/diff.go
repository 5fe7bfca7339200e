package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProviderChanged is set when the remote provider entry changed. The
	// new provider is used from the next Connect on.
	ProviderChanged bool

	// SessionChanged is set when any other remote or audio setting that is
	// read at Connect time changed.
	SessionChanged bool

	// MCPChanged is set when the MCP server list changed. It takes effect
	// on restart only.
	MCPChanged bool
}

// Empty reports whether nothing tracked changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ProviderChanged && !d.SessionChanged && !d.MCPChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ProviderChanged = !providerEqual(old.Remote.Provider, new.Remote.Provider) ||
		!slices.EqualFunc(old.Remote.Fallbacks, new.Remote.Fallbacks, providerEqual) ||
		old.Remote.Breaker != new.Remote.Breaker

	or, nr := old.Remote, new.Remote
	d.SessionChanged = or.Voice != nr.Voice ||
		or.Instructions != nr.Instructions ||
		or.ResponseModality != nr.ResponseModality ||
		Enabled(or.InputTranscription) != Enabled(nr.InputTranscription) ||
		Enabled(or.OutputTranscription) != Enabled(nr.OutputTranscription) ||
		or.OpenTimeout != nr.OpenTimeout ||
		intOr(or.OpenRetries, -1) != intOr(nr.OpenRetries, -1) ||
		old.Audio != new.Audio ||
		old.Activity != new.Activity

	d.MCPChanged = old.MCP.ToolTimeout != new.MCP.ToolTimeout ||
		old.MCP.NotesDir != new.MCP.NotesDir ||
		!slices.EqualFunc(old.MCP.Servers, new.MCP.Servers, func(a, b MCPServerConfig) bool {
			return a.Name == b.Name && a.Transport == b.Transport && a.Command == b.Command &&
				a.URL == b.URL && maps.Equal(a.Env, b.Env)
		})

	return d
}

// providerEqual compares two provider entries. Option values are compared
// by their formatted form since YAML decodes them as any.
func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !optionEqual(av, bv) {
			return false
		}
	}
	return true
}

func optionEqual(a, b any) bool {
	switch av := a.(type) {
	case string, bool, int, float64, nil:
		return a == b
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if w, ok := bv[k]; !ok || !optionEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		return ok && slices.EqualFunc(av, bv, optionEqual)
	default:
		return false
	}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
