package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/dictum/internal/polish"
	"github.com/MrWong99/dictum/internal/segment"
	"github.com/MrWong99/dictum/internal/silence"
	"github.com/MrWong99/dictum/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultVADProvider         = "energy"
	DefaultEmbeddingDimensions = 1536
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":        {"energy", "silero"},
	"stt":        {"whisper", "whisper-native", "openai", "deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Audio.ChunkSize == 0 {
		cfg.Audio.ChunkSize = audio.DefaultChunkSize
	}

	seg := segment.DefaultConfig()
	if cfg.VAD.OnsetThreshold == 0 {
		cfg.VAD.OnsetThreshold = seg.OnsetThreshold
	}
	if cfg.VAD.OffsetThreshold == 0 {
		cfg.VAD.OffsetThreshold = seg.OffsetThreshold
	}
	if cfg.VAD.ConfirmationFrames == 0 {
		cfg.VAD.ConfirmationFrames = seg.ConfirmationFrames
	}
	if cfg.VAD.SilenceTimeout == 0 {
		cfg.VAD.SilenceTimeout = seg.HangoverDuration
	}
	if cfg.VAD.PreRoll == 0 {
		cfg.VAD.PreRoll = seg.PreRollDuration
	}
	if cfg.VAD.EnergyGate == 0 {
		cfg.VAD.EnergyGate = seg.EnergyGateThreshold
	}

	if cfg.Pipeline.AutoStop == nil {
		on := true
		cfg.Pipeline.AutoStop = &on
	}
	if cfg.Pipeline.Padding == 0 {
		cfg.Pipeline.Padding = silence.DefaultPadding
	}
	if cfg.Pipeline.MinVoiced == 0 {
		cfg.Pipeline.MinVoiced = silence.DefaultMinVoiced
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = DefaultVADProvider
	}
	if cfg.Polish.Temperature == 0 {
		cfg.Polish.Temperature = polish.DefaultTemperature
	}
	if cfg.History.EmbeddingDimensions == 0 && cfg.Providers.Embeddings.Name != "" {
		cfg.History.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be > 0, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size must be > 0, got %d", cfg.Audio.ChunkSize))
	}

	// VAD thresholds are checked by the engine's own validation.
	if cfg.Audio.SampleRate > 0 {
		if err := cfg.SegmentConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("vad: %w", err))
		}
	}

	// Pipeline
	if cfg.Pipeline.Padding < 0 {
		errs = append(errs, fmt.Errorf("pipeline.padding %v must not be negative", cfg.Pipeline.Padding))
	}
	if cfg.Pipeline.MinVoiced < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_voiced %v must not be negative", cfg.Pipeline.MinVoiced))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}

	// Polish
	if cfg.Pipeline.Polish && cfg.Providers.LLM.Name == "" {
		slog.Warn("pipeline.polish is enabled but providers.llm is not configured; only vocabulary correction will run")
	}
	if cfg.Polish.Temperature < 0 || cfg.Polish.Temperature > 2 {
		errs = append(errs, fmt.Errorf("polish.temperature %.2f is out of range [0, 2]", cfg.Polish.Temperature))
	}
	if cfg.Polish.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("polish.max_tokens must not be negative, got %d", cfg.Polish.MaxTokens))
	}

	// History
	if cfg.History.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("history.max_entries must not be negative, got %d", cfg.History.MaxEntries))
	}
	if cfg.History.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("history.embedding_dimensions must not be negative, got %d", cfg.History.EmbeddingDimensions))
	}
	if cfg.History.PostgresDSN != "" && cfg.History.EmbeddingDimensions == 0 {
		errs = append(errs, errors.New("history.embedding_dimensions is required with history.postgres_dsn"))
	}
	if cfg.History.PostgresDSN == "" && cfg.Providers.Embeddings.Name != "" {
		slog.Info("history is kept in memory; semantic search works but is lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
