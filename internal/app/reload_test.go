package app

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"github.com/MrWong99/dictum/internal/config"
	llmmock "github.com/MrWong99/dictum/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/dictum/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/dictum/pkg/provider/vad/mock"
)

func newReloadApp(t *testing.T) (*App, *config.Config) {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Polish.Vocabulary = []string{"Postgres"}
	a, err := New(context.Background(), cfg, &Providers{
		VAD: &vadmock.Classifier{},
		STT: &sttmock.Provider{},
		LLM: &llmmock.Provider{},
	}, WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a, cfg
}

func TestApplyConfig_VocabularyOnlyKeepsPolisher(t *testing.T) {
	t.Parallel()

	a, old := newReloadApp(t)
	before := a.polisher.Load()

	updated := *old
	updated.Polish.Vocabulary = []string{"Postgres", "Kubernetes"}
	a.ApplyConfig(old, &updated)

	after := a.polisher.Load()
	if after != before {
		t.Error("vocabulary-only change should update the existing polisher")
	}
	if got := after.Vocabulary().Terms(); !slices.Equal(got, []string{"Postgres", "Kubernetes"}) {
		t.Errorf("vocabulary = %v", got)
	}
}

func TestApplyConfig_PolishChangeRebuildsPolisher(t *testing.T) {
	t.Parallel()

	a, old := newReloadApp(t)
	before := a.polisher.Load()

	updated := *old
	updated.Polish.SystemPrompt = "Keep it short."
	updated.Polish.Vocabulary = []string{"Grafana"}
	a.ApplyConfig(old, &updated)

	after := a.polisher.Load()
	if after == before {
		t.Fatal("polish settings change should rebuild the polisher")
	}
	if got := after.Vocabulary().Terms(); !slices.Equal(got, []string{"Grafana"}) {
		t.Errorf("vocabulary = %v", got)
	}
}
