package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Hot-reloadable
// sections are reported individually; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is true if any pipeline policy field changed. The new
	// policy applies from the next recording.
	PolicyChanged bool

	// SegmentChanged is true if VAD thresholds or timings changed. Applied
	// from the next recording.
	SegmentChanged bool

	// VocabularyChanged is true if polish.vocabulary changed.
	VocabularyChanged bool

	// PolishChanged is true if the polish prompt or sampling changed.
	PolishChanged bool

	// RestartRequired lists top-level keys whose changes only take effect
	// after a restart (e.g., "providers", "server.listen_addr").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PolicyChanged || d.SegmentChanged ||
		d.VocabularyChanged || d.PolishChanged || len(d.RestartRequired) > 0
}

// Sections names every changed section, hot-reloadable ones first.
func (d ConfigDiff) Sections() []string {
	var out []string
	for _, s := range []struct {
		changed bool
		name    string
	}{
		{d.LogLevelChanged, "server.log_level"},
		{d.PolicyChanged, "pipeline"},
		{d.SegmentChanged, "vad"},
		{d.VocabularyChanged, "polish.vocabulary"},
		{d.PolishChanged, "polish"},
	} {
		if s.changed {
			out = append(out, s.name)
		}
	}
	return append(out, d.RestartRequired...)
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Policy() != new.Policy() || old.Pipeline.Language != new.Pipeline.Language {
		d.PolicyChanged = true
	}
	if old.VAD != new.VAD {
		d.SegmentChanged = true
	}
	if !slices.Equal(old.Polish.Vocabulary, new.Polish.Vocabulary) {
		d.VocabularyChanged = true
	}
	if old.Polish.SystemPrompt != new.Polish.SystemPrompt ||
		old.Polish.Temperature != new.Polish.Temperature ||
		old.Polish.MaxTokens != new.Polish.MaxTokens {
		d.PolishChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) || old.Server.MCP != new.Server.MCP {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}
