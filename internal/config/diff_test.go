package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/dictum/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.STT.Name = "whisper"
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("LogLevelChanged=%v NewLogLevel=%q", d.LogLevelChanged, d.NewLogLevel)
				}
			},
		},
		{
			name: "auto stop",
			mutate: func(c *config.Config) {
				off := false
				c.Pipeline.AutoStop = &off
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.PolicyChanged {
					t.Error("expected PolicyChanged")
				}
			},
		},
		{
			name:   "language",
			mutate: func(c *config.Config) { c.Pipeline.Language = "de" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.PolicyChanged {
					t.Error("expected PolicyChanged")
				}
			},
		},
		{
			name:   "silence timeout",
			mutate: func(c *config.Config) { c.VAD.SilenceTimeout = 2 * time.Second },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SegmentChanged || d.PolicyChanged {
					t.Errorf("SegmentChanged=%v PolicyChanged=%v", d.SegmentChanged, d.PolicyChanged)
				}
			},
		},
		{
			name:   "vocabulary",
			mutate: func(c *config.Config) { c.Polish.Vocabulary = []string{"Kubernetes"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VocabularyChanged || d.PolishChanged {
					t.Errorf("VocabularyChanged=%v PolishChanged=%v", d.VocabularyChanged, d.PolishChanged)
				}
			},
		},
		{
			name:   "polish prompt",
			mutate: func(c *config.Config) { c.Polish.SystemPrompt = "Be terse." },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.PolishChanged {
					t.Error("expected PolishChanged")
				}
			},
		},
		{
			name: "providers and history need restart",
			mutate: func(c *config.Config) {
				c.Providers.STT.Model = "large-v3"
				c.History.MaxEntries = 10
				c.Server.ListenAddr = ":1234"
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				for _, key := range []string{"providers", "history", "server.listen_addr"} {
					if !slices.Contains(d.RestartRequired, key) {
						t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, key)
					}
				}
				if d.PolicyChanged || d.SegmentChanged {
					t.Errorf("unexpected hot-reload flags: %+v", d)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !d.Changed() {
				t.Fatal("Changed() = false")
			}
			tt.check(t, d)
		})
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()

	old, updated := baseConfig(), baseConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.VAD.SilenceTimeout = 3 * time.Second
	updated.Server.ListenAddr = ":9000"

	got := config.Diff(old, updated).Sections()
	want := []string{"server.log_level", "vad", "server.listen_addr"}
	if !slices.Equal(got, want) {
		t.Errorf("Sections() = %v, want %v", got, want)
	}
	if s := config.Diff(old, baseConfig()).Sections(); len(s) != 0 {
		t.Errorf("Sections() for identical configs = %v, want none", s)
	}
}
